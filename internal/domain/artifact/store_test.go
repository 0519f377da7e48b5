package artifact

import (
	"encoding/base64"
	"testing"
)

func TestNewShareToken(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		token, err := NewShareToken()
		if err != nil {
			t.Fatalf("NewShareToken failed: %v", err)
		}
		raw, err := base64.RawURLEncoding.DecodeString(token)
		if err != nil {
			t.Fatalf("token %q not base64url: %v", token, err)
		}
		if len(raw) != shareTokenBytes {
			t.Fatalf("token decodes to %d bytes, want %d", len(raw), shareTokenBytes)
		}
		if _, dup := seen[token]; dup {
			t.Fatalf("duplicate token after %d draws", i)
		}
		seen[token] = struct{}{}
	}
}

func TestSharedProjection(t *testing.T) {
	a := &Artifact{
		ID:          "artifact-1",
		WorkerID:    "worker-1",
		WorkspaceID: "ws-1",
		Key:         "weekly-report",
		Type:        TypeReport,
		Title:       "Weekly summary",
		Content:     "All green.",
		ShareToken:  "secret-token",
	}

	view := a.Shared()
	if view.Title != a.Title || view.Type != a.Type || view.Content != a.Content {
		t.Errorf("Shared() dropped visible fields: %+v", view)
	}
}

func TestTypeValid(t *testing.T) {
	for _, typ := range []Type{TypeContent, TypeReport, TypeData, TypeLink, TypeSummary, TypeTaskPlan} {
		if !typ.Valid() {
			t.Errorf("Valid(%s) = false", typ)
		}
	}
	if Type("screenshot").Valid() {
		t.Errorf("unknown type accepted")
	}
}
