package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buildd-ai/buildd-sub004/internal/domain/account"
	"github.com/buildd-ai/buildd-sub004/internal/domain/artifact"
	"github.com/buildd-ai/buildd-sub004/internal/domain/observation"
	"github.com/buildd-ai/buildd-sub004/internal/domain/runner"
	"github.com/buildd-ai/buildd-sub004/internal/domain/schedule"
	"github.com/buildd-ai/buildd-sub004/internal/domain/skill"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	id "github.com/buildd-ai/buildd-sub004/internal/shared/utils/id"
)

// MemRunnerStore is an in-memory runner.Store.
type MemRunnerStore struct {
	mu      sync.Mutex
	runners map[string]*runner.Runner
}

var _ runner.Store = (*MemRunnerStore)(nil)

// NewMemRunnerStore creates an empty in-memory runner registry.
func NewMemRunnerStore() *MemRunnerStore {
	return &MemRunnerStore{runners: make(map[string]*runner.Runner)}
}

// EnsureSchema is a no-op for the in-memory store.
func (s *MemRunnerStore) EnsureSchema(context.Context) error { return nil }

// Upsert registers or refreshes a runner from its heartbeat.
func (s *MemRunnerStore) Upsert(_ context.Context, hb runner.Heartbeat, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[hb.RunnerID] = &runner.Runner{
		ID:              hb.RunnerID,
		AccountID:       hb.AccountID,
		URL:             hb.URL,
		WorkspaceIDs:    append([]string(nil), hb.WorkspaceIDs...),
		Capacity:        hb.Capacity,
		ActiveWorkers:   hb.ActiveWorkers,
		LastHeartbeatAt: now.UTC(),
		Version:         hb.Version,
	}
	return nil
}

// ListActive returns runners heartbeating within the window, pruning the rest.
func (s *MemRunnerStore) ListActive(_ context.Context, accountID string, window time.Duration, now time.Time) ([]*runner.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-window)
	var out []*runner.Runner
	for rid, r := range s.runners {
		if r.LastHeartbeatAt.Before(cutoff) {
			delete(s.runners, rid)
			continue
		}
		if accountID != "" && r.AccountID != accountID {
			continue
		}
		c := *r
		c.WorkspaceIDs = append([]string(nil), r.WorkspaceIDs...)
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes a runner registration.
func (s *MemRunnerStore) Delete(_ context.Context, rid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runners, rid)
	return nil
}

// MemScheduleStore is an in-memory schedule.Store with process-local
// per-schedule locks standing in for advisory locks.
type MemScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]*schedule.Schedule
	locks     map[string]bool
}

var _ schedule.Store = (*MemScheduleStore)(nil)

// NewMemScheduleStore creates an empty in-memory schedule store.
func NewMemScheduleStore() *MemScheduleStore {
	return &MemScheduleStore{
		schedules: make(map[string]*schedule.Schedule),
		locks:     make(map[string]bool),
	}
}

func cloneSchedule(sc *schedule.Schedule) *schedule.Schedule {
	if sc == nil {
		return nil
	}
	c := *sc
	if sc.NextRunAt != nil {
		v := *sc.NextRunAt
		c.NextRunAt = &v
	}
	if sc.TaskTemplate.Context != nil {
		c.TaskTemplate.Context = make(map[string]string, len(sc.TaskTemplate.Context))
		for k, v := range sc.TaskTemplate.Context {
			c.TaskTemplate.Context[k] = v
		}
	}
	if sc.Trigger != nil {
		tr := *sc.Trigger
		if sc.Trigger.Headers != nil {
			tr.Headers = make(map[string]string, len(sc.Trigger.Headers))
			for k, v := range sc.Trigger.Headers {
				tr.Headers[k] = v
			}
		}
		if sc.Trigger.LastCheckedAt != nil {
			v := *sc.Trigger.LastCheckedAt
			tr.LastCheckedAt = &v
		}
		c.Trigger = &tr
	}
	return &c
}

// EnsureSchema is a no-op for the in-memory store.
func (s *MemScheduleStore) EnsureSchema(context.Context) error { return nil }

// Create persists a new schedule.
func (s *MemScheduleStore) Create(_ context.Context, sc *schedule.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	s.schedules[sc.ID] = cloneSchedule(sc)
	return nil
}

// Get retrieves a schedule by id.
func (s *MemScheduleStore) Get(_ context.Context, sid string) (*schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[sid]
	if !ok {
		return nil, sharederrors.NotFound("schedule", sid)
	}
	return cloneSchedule(sc), nil
}

// ListByWorkspace returns the workspace's schedules, newest first.
func (s *MemScheduleStore) ListByWorkspace(_ context.Context, workspaceID string) ([]*schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*schedule.Schedule
	for _, sc := range s.schedules {
		if sc.WorkspaceID == workspaceID {
			out = append(out, cloneSchedule(sc))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListDue returns enabled schedules whose nextRunAt has passed, soonest first.
func (s *MemScheduleStore) ListDue(_ context.Context, now time.Time) ([]*schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*schedule.Schedule
	for _, sc := range s.schedules {
		if sc.Enabled && sc.NextRunAt != nil && !sc.NextRunAt.After(now) {
			out = append(out, cloneSchedule(sc))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	return out, nil
}

// Update persists the schedule's mutable fields.
func (s *MemScheduleStore) Update(_ context.Context, sc *schedule.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.schedules[sc.ID]
	if !ok {
		return sharederrors.NotFound("schedule", sc.ID)
	}
	c := cloneSchedule(sc)
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	s.schedules[sc.ID] = c
	return nil
}

// Delete removes a schedule.
func (s *MemScheduleStore) Delete(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sid]; !ok {
		return sharederrors.NotFound("schedule", sid)
	}
	delete(s.schedules, sid)
	return nil
}

// TryLock takes the schedule's process-local lock.
func (s *MemScheduleStore) TryLock(_ context.Context, sid string) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[sid] {
		return nil, false, nil
	}
	s.locks[sid] = true
	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.locks, sid)
			s.mu.Unlock()
		})
	}
	return release, true, nil
}

// MemObservationStore is an in-memory observation.Store.
type MemObservationStore struct {
	mu           sync.Mutex
	observations map[string]*observation.Observation
}

var _ observation.Store = (*MemObservationStore)(nil)

// NewMemObservationStore creates an empty in-memory observation store.
func NewMemObservationStore() *MemObservationStore {
	return &MemObservationStore{observations: make(map[string]*observation.Observation)}
}

func cloneObservation(o *observation.Observation) *observation.Observation {
	if o == nil {
		return nil
	}
	c := *o
	if o.Files != nil {
		c.Files = append([]string(nil), o.Files...)
	}
	if o.Concepts != nil {
		c.Concepts = append([]string(nil), o.Concepts...)
	}
	return &c
}

// EnsureSchema is a no-op for the in-memory store.
func (s *MemObservationStore) EnsureSchema(context.Context) error { return nil }

// Create persists one observation.
func (s *MemObservationStore) Create(_ context.Context, o *observation.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	s.observations[o.ID] = cloneObservation(o)
	return nil
}

// CreateBatch persists up to MaxBatchSize observations.
func (s *MemObservationStore) CreateBatch(ctx context.Context, os []*observation.Observation) error {
	if len(os) > observation.MaxBatchSize {
		return sharederrors.Invalidf("batch size %d exceeds limit %d", len(os), observation.MaxBatchSize)
	}
	for _, o := range os {
		if err := s.Create(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves an observation by id.
func (s *MemObservationStore) Get(_ context.Context, oid string) (*observation.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.observations[oid]
	if !ok {
		return nil, sharederrors.NotFound("observation", oid)
	}
	return cloneObservation(o), nil
}

// GetBatch resolves multiple ids, skipping missing ones.
func (s *MemObservationStore) GetBatch(_ context.Context, ids []string) ([]*observation.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*observation.Observation
	for _, oid := range ids {
		if o, ok := s.observations[oid]; ok {
			out = append(out, cloneObservation(o))
		}
	}
	return out, nil
}

// List returns the workspace's observations, newest first.
func (s *MemObservationStore) List(_ context.Context, workspaceID string, limit int) ([]*observation.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*observation.Observation
	for _, o := range s.observations {
		if o.WorkspaceID == workspaceID {
			out = append(out, cloneObservation(o))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Search ranks by file/concept overlap, then text match.
func (s *MemObservationStore) Search(ctx context.Context, q observation.SearchQuery) ([]*observation.Observation, error) {
	if q.Text == "" && len(q.Files) == 0 && len(q.Concepts) == 0 {
		return s.List(ctx, q.WorkspaceID, q.Limit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	type ranked struct {
		o       *observation.Observation
		overlap int
	}
	var matches []ranked
	needle := strings.ToLower(q.Text)
	for _, o := range s.observations {
		if o.WorkspaceID != q.WorkspaceID {
			continue
		}
		overlap := countOverlap(o.Files, q.Files) + countOverlap(o.Concepts, q.Concepts)
		textHit := needle != "" &&
			(strings.Contains(strings.ToLower(o.Title), needle) ||
				strings.Contains(strings.ToLower(o.Content), needle))
		if overlap == 0 && !textHit {
			continue
		}
		matches = append(matches, ranked{o: cloneObservation(o), overlap: overlap})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].overlap != matches[j].overlap {
			return matches[i].overlap > matches[j].overlap
		}
		return matches[i].o.CreatedAt.After(matches[j].o.CreatedAt)
	})
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []*observation.Observation
	for _, m := range matches {
		out = append(out, m.o)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func countOverlap(have, want []string) int {
	if len(have) == 0 || len(want) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(have))
	for _, v := range have {
		set[v] = struct{}{}
	}
	count := 0
	for _, v := range want {
		if _, ok := set[v]; ok {
			count++
		}
	}
	return count
}

// Update persists the observation's mutable fields.
func (s *MemObservationStore) Update(_ context.Context, o *observation.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.observations[o.ID]
	if !ok {
		return sharederrors.NotFound("observation", o.ID)
	}
	c := cloneObservation(o)
	c.CreatedAt = existing.CreatedAt
	s.observations[o.ID] = c
	return nil
}

// Delete removes an observation.
func (s *MemObservationStore) Delete(_ context.Context, oid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.observations[oid]; !ok {
		return sharederrors.NotFound("observation", oid)
	}
	delete(s.observations, oid)
	return nil
}

// CountByType tallies the workspace's observations per type.
func (s *MemObservationStore) CountByType(_ context.Context, workspaceID string) (map[observation.Type]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[observation.Type]int)
	for _, o := range s.observations {
		if o.WorkspaceID == workspaceID {
			counts[o.Type]++
		}
	}
	return counts, nil
}

// DistinctConcepts returns the workspace's concept vocabulary, sorted.
func (s *MemObservationStore) DistinctConcepts(_ context.Context, workspaceID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{})
	for _, o := range s.observations {
		if o.WorkspaceID != workspaceID {
			continue
		}
		for _, c := range o.Concepts {
			set[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// MemArtifactStore is an in-memory artifact.Store.
type MemArtifactStore struct {
	mu        sync.Mutex
	artifacts map[string]*artifact.Artifact
}

var _ artifact.Store = (*MemArtifactStore)(nil)

// NewMemArtifactStore creates an empty in-memory artifact store.
func NewMemArtifactStore() *MemArtifactStore {
	return &MemArtifactStore{artifacts: make(map[string]*artifact.Artifact)}
}

func cloneArtifact(a *artifact.Artifact) *artifact.Artifact {
	if a == nil {
		return nil
	}
	c := *a
	if a.Metadata != nil {
		c.Metadata = append([]byte(nil), a.Metadata...)
	}
	return &c
}

// EnsureSchema is a no-op for the in-memory store.
func (s *MemArtifactStore) EnsureSchema(context.Context) error { return nil }

// Upsert inserts or updates by (workspaceId, key), preserving id and share
// token across updates.
func (s *MemArtifactStore) Upsert(_ context.Context, a *artifact.Artifact) (*artifact.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()

	if a.Key != "" {
		for _, existing := range s.artifacts {
			if existing.WorkspaceID == a.WorkspaceID && existing.Key == a.Key {
				existing.WorkerID = a.WorkerID
				existing.Type = a.Type
				existing.Title = a.Title
				existing.Content = a.Content
				existing.Metadata = append([]byte(nil), a.Metadata...)
				existing.UpdatedAt = now
				return cloneArtifact(existing), nil
			}
		}
	}

	c := cloneArtifact(a)
	if c.ID == "" {
		c.ID = id.NewArtifactID()
	}
	if c.ShareToken == "" {
		token, err := artifact.NewShareToken()
		if err != nil {
			return nil, err
		}
		c.ShareToken = token
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.artifacts[c.ID] = c
	return cloneArtifact(c), nil
}

// Get retrieves an artifact by id.
func (s *MemArtifactStore) Get(_ context.Context, aid string) (*artifact.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[aid]
	if !ok {
		return nil, sharederrors.NotFound("artifact", aid)
	}
	return cloneArtifact(a), nil
}

// GetByShareToken resolves a public share link.
func (s *MemArtifactStore) GetByShareToken(_ context.Context, token string) (*artifact.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.artifacts {
		if a.ShareToken == token {
			return cloneArtifact(a), nil
		}
	}
	return nil, sharederrors.NotFound("artifact", "")
}

// ListByWorker returns the worker's artifacts, newest first.
func (s *MemArtifactStore) ListByWorker(_ context.Context, workerID string) ([]*artifact.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*artifact.Artifact
	for _, a := range s.artifacts {
		if a.WorkerID == workerID {
			out = append(out, cloneArtifact(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CountByWorker counts the worker's artifacts.
func (s *MemArtifactStore) CountByWorker(_ context.Context, workerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, a := range s.artifacts {
		if a.WorkerID == workerID {
			count++
		}
	}
	return count, nil
}

// MemSkillStore is an in-memory skill.Store.
type MemSkillStore struct {
	mu     sync.Mutex
	skills map[string]*skill.Skill
}

var _ skill.Store = (*MemSkillStore)(nil)

// NewMemSkillStore creates an empty in-memory skill store.
func NewMemSkillStore() *MemSkillStore {
	return &MemSkillStore{skills: make(map[string]*skill.Skill)}
}

func cloneSkill(sk *skill.Skill) *skill.Skill {
	if sk == nil {
		return nil
	}
	c := *sk
	if sk.ReferenceFiles != nil {
		c.ReferenceFiles = make(map[string]string, len(sk.ReferenceFiles))
		for k, v := range sk.ReferenceFiles {
			c.ReferenceFiles[k] = v
		}
	}
	return &c
}

// EnsureSchema is a no-op for the in-memory store.
func (s *MemSkillStore) EnsureSchema(context.Context) error { return nil }

// Upsert inserts or updates by (workspaceId, slug), preserving id.
func (s *MemSkillStore) Upsert(_ context.Context, sk *skill.Skill) (*skill.Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, existing := range s.skills {
		if existing.WorkspaceID == sk.WorkspaceID && existing.Slug == sk.Slug {
			c := cloneSkill(sk)
			c.ID = existing.ID
			c.CreatedAt = existing.CreatedAt
			c.UpdatedAt = now
			s.skills[c.ID] = c
			return cloneSkill(c), nil
		}
	}
	c := cloneSkill(sk)
	if c.ID == "" {
		c.ID = id.NewSkillID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.skills[c.ID] = c
	return cloneSkill(c), nil
}

// Get retrieves a skill by id.
func (s *MemSkillStore) Get(_ context.Context, sid string) (*skill.Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, ok := s.skills[sid]
	if !ok {
		return nil, sharederrors.NotFound("skill", sid)
	}
	return cloneSkill(sk), nil
}

// GetBySlug retrieves a workspace's skill by slug.
func (s *MemSkillStore) GetBySlug(_ context.Context, workspaceID, slug string) (*skill.Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sk := range s.skills {
		if sk.WorkspaceID == workspaceID && sk.Slug == slug {
			return cloneSkill(sk), nil
		}
	}
	return nil, sharederrors.NotFound("skill", slug)
}

// List returns the workspace's skills, enabled first, then by name.
func (s *MemSkillStore) List(_ context.Context, workspaceID string) ([]*skill.Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*skill.Skill
	for _, sk := range s.skills {
		if sk.WorkspaceID == workspaceID {
			out = append(out, cloneSkill(sk))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Enabled != out[j].Enabled {
			return out[i].Enabled
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Update persists the skill's mutable fields.
func (s *MemSkillStore) Update(_ context.Context, sk *skill.Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.skills[sk.ID]
	if !ok {
		return sharederrors.NotFound("skill", sk.ID)
	}
	c := cloneSkill(sk)
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	s.skills[sk.ID] = c
	return nil
}

// Delete removes a skill.
func (s *MemSkillStore) Delete(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.skills[sid]; !ok {
		return sharederrors.NotFound("skill", sid)
	}
	delete(s.skills, sid)
	return nil
}

// MemAccountStore is an in-memory account.Store.
type MemAccountStore struct {
	mu       sync.Mutex
	accounts map[string]*account.Account
}

var _ account.Store = (*MemAccountStore)(nil)

// NewMemAccountStore creates an empty in-memory account store.
func NewMemAccountStore() *MemAccountStore {
	return &MemAccountStore{accounts: make(map[string]*account.Account)}
}

// EnsureSchema is a no-op for the in-memory store.
func (s *MemAccountStore) EnsureSchema(context.Context) error { return nil }

// Create persists a new account.
func (s *MemAccountStore) Create(_ context.Context, a *account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.MaxConcurrentWorkers <= 0 {
		a.MaxConcurrentWorkers = account.DefaultMaxConcurrentWorkers
	}
	c := *a
	s.accounts[a.ID] = &c
	return nil
}

// Get retrieves an account by id.
func (s *MemAccountStore) Get(_ context.Context, aid string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[aid]
	if !ok {
		return nil, sharederrors.NotFound("account", aid)
	}
	c := *a
	return &c, nil
}

// GetByAPIKeyHash resolves a presented key's hash to its account.
func (s *MemAccountStore) GetByAPIKeyHash(_ context.Context, hash string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.APIKeyHash == hash {
			c := *a
			return &c, nil
		}
	}
	return nil, sharederrors.NotFound("account", "")
}

// Update persists the account's mutable fields.
func (s *MemAccountStore) Update(_ context.Context, a *account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; !ok {
		return sharederrors.NotFound("account", a.ID)
	}
	c := *a
	s.accounts[a.ID] = &c
	return nil
}

// MemWorkspaceStore is an in-memory account.WorkspaceStore.
type MemWorkspaceStore struct {
	mu         sync.Mutex
	workspaces map[string]*account.Workspace
}

var _ account.WorkspaceStore = (*MemWorkspaceStore)(nil)

// NewMemWorkspaceStore creates an empty in-memory workspace store.
func NewMemWorkspaceStore() *MemWorkspaceStore {
	return &MemWorkspaceStore{workspaces: make(map[string]*account.Workspace)}
}

func cloneWorkspace(w *account.Workspace) *account.Workspace {
	c := *w
	if w.Settings.InstallerAllowlist != nil {
		c.Settings.InstallerAllowlist = append([]string(nil), w.Settings.InstallerAllowlist...)
	}
	return &c
}

// EnsureSchema is a no-op for the in-memory store.
func (s *MemWorkspaceStore) EnsureSchema(context.Context) error { return nil }

// Create persists a new workspace.
func (s *MemWorkspaceStore) Create(_ context.Context, w *account.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	s.workspaces[w.ID] = cloneWorkspace(w)
	return nil
}

// Get retrieves a workspace by id.
func (s *MemWorkspaceStore) Get(_ context.Context, wid string) (*account.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[wid]
	if !ok {
		return nil, sharederrors.NotFound("workspace", wid)
	}
	return cloneWorkspace(w), nil
}

// ListByAccount returns the account's workspaces, newest first.
func (s *MemWorkspaceStore) ListByAccount(_ context.Context, accountID string) ([]*account.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*account.Workspace
	for _, w := range s.workspaces {
		if w.AccountID == accountID {
			out = append(out, cloneWorkspace(w))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Update persists the workspace's mutable fields.
func (s *MemWorkspaceStore) Update(_ context.Context, w *account.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[w.ID]; !ok {
		return sharederrors.NotFound("workspace", w.ID)
	}
	s.workspaces[w.ID] = cloneWorkspace(w)
	return nil
}

// MemDeviceStore is an in-memory account.DeviceStore.
type MemDeviceStore struct {
	mu    sync.Mutex
	codes map[string]*account.DeviceCode
}

var _ account.DeviceStore = (*MemDeviceStore)(nil)

// NewMemDeviceStore creates an empty in-memory device pairing store.
func NewMemDeviceStore() *MemDeviceStore {
	return &MemDeviceStore{codes: make(map[string]*account.DeviceCode)}
}

// EnsureSchema is a no-op for the in-memory store.
func (s *MemDeviceStore) EnsureSchema(context.Context) error { return nil }

// Create persists a fresh pairing.
func (s *MemDeviceStore) Create(_ context.Context, d *account.DeviceCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.ExpiresAt.IsZero() {
		d.ExpiresAt = d.CreatedAt.Add(account.DeviceGrantTTL)
	}
	c := *d
	s.codes[d.DeviceCode] = &c
	return nil
}

// GetByUserCode resolves the human code during approval.
func (s *MemDeviceStore) GetByUserCode(_ context.Context, userCode string) (*account.DeviceCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.codes {
		if d.UserCode == userCode {
			c := *d
			return &c, nil
		}
	}
	return nil, sharederrors.NotFound("device code", userCode)
}

// Approve binds the pairing to an account and deposits the key.
func (s *MemDeviceStore) Approve(_ context.Context, userCode, accountID, apiKey string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.codes {
		if d.UserCode != userCode || d.Expired(now) || d.ApprovedAt != nil {
			continue
		}
		d.AccountID = accountID
		d.APIKey = apiKey
		approved := now.UTC()
		d.ApprovedAt = &approved
		return nil
	}
	return sharederrors.NotFound("pending device code", userCode)
}

// Consume redeems an approved device code exactly once.
func (s *MemDeviceStore) Consume(_ context.Context, deviceCode string, now time.Time) (*account.DeviceCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.codes[deviceCode]
	if !ok {
		return nil, sharederrors.NotFound("device code", "")
	}
	if d.Expired(now) {
		delete(s.codes, deviceCode)
		return nil, sharederrors.NotFound("device code", "")
	}
	if d.ApprovedAt == nil {
		return nil, account.ErrDevicePending
	}
	delete(s.codes, deviceCode)
	c := *d
	return &c, nil
}

// DeleteExpired prunes pairings past their window.
func (s *MemDeviceStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for code, d := range s.codes {
		if d.Expired(now) {
			delete(s.codes, code)
			removed++
		}
	}
	return removed, nil
}
