package scheduler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/mmcdole/gofeed"
	"github.com/tidwall/gjson"

	"github.com/buildd-ai/buildd-sub004/internal/domain/schedule"
	"github.com/buildd-ai/buildd-sub004/internal/observability"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// DefaultProbeTimeout bounds one trigger probe round trip.
const DefaultProbeTimeout = 10 * time.Second

// probeBodyLimit caps how much of a trigger response is read.
const probeBodyLimit = 4 << 20

// Prober checks a schedule's external trigger and returns the current
// trigger value.
type Prober interface {
	Probe(ctx context.Context, trig *schedule.Trigger) (string, error)
}

// HTTPProber probes http_json and rss triggers over HTTP.
type HTTPProber struct {
	client  *http.Client
	feeds   *gofeed.Parser
	metrics *observability.MetricsCollector
	logger  logging.Logger
}

// NewHTTPProber creates a prober with the default timeout.
func NewHTTPProber(metrics *observability.MetricsCollector, logger logging.Logger) *HTTPProber {
	return &HTTPProber{
		client:  &http.Client{Timeout: DefaultProbeTimeout},
		feeds:   gofeed.NewParser(),
		metrics: metrics,
		logger:  logging.OrNop(logger),
	}
}

// SetClient swaps the HTTP client, mainly for tests.
func (p *HTTPProber) SetClient(client *http.Client) {
	if client != nil {
		p.client = client
	}
}

// Probe fetches the trigger endpoint and extracts the trigger value.
func (p *HTTPProber) Probe(ctx context.Context, trig *schedule.Trigger) (value string, err error) {
	if trig == nil {
		return "", sharederrors.Invalidf("trigger required")
	}
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordProbeLatency(ctx, string(trig.Type), time.Since(start))
		}
	}()

	switch trig.Type {
	case schedule.TriggerHTTPJSON:
		return p.probeJSON(ctx, trig)
	case schedule.TriggerRSS:
		return p.probeRSS(ctx, trig)
	default:
		return "", sharederrors.Invalidf("unsupported trigger type %q", trig.Type)
	}
}

func (p *HTTPProber) fetch(ctx context.Context, trig *schedule.Trigger) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, trig.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building probe request for %s: %w", trig.URL, err)
	}
	for k, v := range trig.Headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", trig.URL, err)
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("probing %s: status %d", trig.URL, resp.StatusCode)
	}
	return resp, nil
}

func (p *HTTPProber) probeJSON(ctx context.Context, trig *schedule.Trigger) (string, error) {
	resp, err := p.fetch(ctx, trig)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, probeBodyLimit))
	if err != nil {
		return "", fmt.Errorf("reading probe response from %s: %w", trig.URL, err)
	}

	// Trigger endpoints are frequently sloppy JSON (trailing commas,
	// unquoted keys); repair before extraction, falling back to the raw
	// body when repair itself fails.
	doc := string(body)
	if repaired, repairErr := jsonrepair.JSONRepair(doc); repairErr == nil {
		doc = repaired
	} else {
		p.logger.Debug("probe: json repair failed for %s: %v", trig.URL, repairErr)
	}

	path := strings.TrimPrefix(strings.TrimSpace(trig.Path), "$.")
	if path == "" {
		return strings.TrimSpace(doc), nil
	}
	result := gjson.Get(doc, path)
	if !result.Exists() {
		return "", fmt.Errorf("path %q not found in probe response from %s", trig.Path, trig.URL)
	}
	return result.String(), nil
}

func (p *HTTPProber) probeRSS(ctx context.Context, trig *schedule.Trigger) (string, error) {
	resp, err := p.fetch(ctx, trig)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	feed, err := p.feeds.Parse(io.LimitReader(resp.Body, probeBodyLimit))
	if err != nil {
		return "", fmt.Errorf("parsing feed from %s: %w", trig.URL, err)
	}
	if len(feed.Items) == 0 {
		return "", fmt.Errorf("feed from %s has no items", trig.URL)
	}

	item := feed.Items[0]
	switch {
	case item.GUID != "":
		return item.GUID, nil
	case item.Link != "":
		return item.Link, nil
	default:
		return item.Title, nil
	}
}
