package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe Store backed by maps.
// Instances are copied on the way in and out so callers never share state
// with the store.
type InMemoryStore struct {
	mu             sync.RWMutex
	configurations map[string]api.Configuration
	filters        map[string]api.NamedFilter
	definitions    map[string]api.StepDefinition
	trackers       map[string]api.RecordTracker
	instances      map[string]*api.StepInstance
	clicks         map[clickKey]api.Click
	leases         map[string]memoryLease

	// trackedTargets indexes non-test trackers by configuration and target.
	trackedTargets map[trackedKey]string
}

type trackedKey struct {
	configurationID string
	target          api.RecordRef
}

type clickKey struct {
	instanceID string
	linkCode   string
	source     string
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		configurations: make(map[string]api.Configuration),
		filters:        make(map[string]api.NamedFilter),
		definitions:    make(map[string]api.StepDefinition),
		trackers:       make(map[string]api.RecordTracker),
		instances:      make(map[string]*api.StepInstance),
		clicks:         make(map[clickKey]api.Click),
		leases:         make(map[string]memoryLease),
		trackedTargets: make(map[trackedKey]string),
	}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveConfiguration(ctx context.Context, c api.Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.configurations[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetConfiguration(ctx context.Context, id string) (api.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.configurations[id]
	if !ok {
		return api.Configuration{}, ErrConfigurationNotFound
	}
	return c, nil
}

func (s *InMemoryStore) ListConfigurations(ctx context.Context, filter ConfigurationFilter) ([]api.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []api.Configuration
	for _, c := range s.configurations {
		if filter.State != "" && c.State != filter.State {
			continue
		}
		if filter.ActiveOnly && !c.Active {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *InMemoryStore) DeleteConfiguration(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configurations[id]; !ok {
		return ErrConfigurationNotFound
	}
	delete(s.configurations, id)
	for defID, d := range s.definitions {
		if d.ConfigurationID == id {
			delete(s.definitions, defID)
		}
	}
	return nil
}

func (s *InMemoryStore) SaveFilter(ctx context.Context, f api.NamedFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.filters[f.ID] = f
	return nil
}

func (s *InMemoryStore) GetFilter(ctx context.Context, id string) (api.NamedFilter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.filters[id]
	if !ok {
		return api.NamedFilter{}, ErrFilterNotFound
	}
	return f, nil
}

func (s *InMemoryStore) SaveDefinition(ctx context.Context, d api.StepDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.definitions[d.ID] = d
	return nil
}

func (s *InMemoryStore) GetDefinition(ctx context.Context, id string) (api.StepDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.definitions[id]
	if !ok {
		return api.StepDefinition{}, ErrDefinitionNotFound
	}
	return d, nil
}

func (s *InMemoryStore) ListDefinitions(ctx context.Context, configurationID string) ([]api.StepDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []api.StepDefinition
	for _, d := range s.definitions {
		if d.ConfigurationID == configurationID {
			result = append(result, d)
		}
	}
	SortDefinitions(result)
	return result, nil
}

func (s *InMemoryStore) CreateTracker(ctx context.Context, tr api.RecordTracker, instances []*api.StepInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := trackedKey{configurationID: tr.ConfigurationID, target: tr.Target}
	if !tr.IsTest {
		if _, exists := s.trackedTargets[key]; exists {
			return ErrTrackerExists
		}
		s.trackedTargets[key] = tr.ID
	}
	s.trackers[tr.ID] = tr
	for _, inst := range instances {
		s.instances[inst.ID] = inst.Clone()
	}
	return nil
}

func (s *InMemoryStore) GetTracker(ctx context.Context, id string) (api.RecordTracker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tr, ok := s.trackers[id]
	if !ok {
		return api.RecordTracker{}, ErrTrackerNotFound
	}
	return tr, nil
}

func (s *InMemoryStore) ListTrackers(ctx context.Context, filter TrackerFilter) ([]api.RecordTracker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []api.RecordTracker
	for _, tr := range s.trackers {
		if !filter.matches(tr) {
			continue
		}
		result = append(result, tr)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (f TrackerFilter) matches(tr api.RecordTracker) bool {
	if f.ConfigurationID != "" && tr.ConfigurationID != f.ConfigurationID {
		return false
	}
	if f.TestsOnly {
		return tr.IsTest
	}
	return f.IncludeTests || !tr.IsTest
}

func (s *InMemoryStore) TrackedRecordIDs(ctx context.Context, configurationID, model string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for key := range s.trackedTargets {
		if key.configurationID == configurationID && key.target.Model == model {
			ids = append(ids, key.target.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *InMemoryStore) CountTrackers(ctx context.Context, configurationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, tr := range s.trackers {
		if tr.ConfigurationID == configurationID {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) SaveInstances(ctx context.Context, instances []*api.StepInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inst := range instances {
		s.instances[inst.ID] = inst.Clone()
	}
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.StepInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.StepInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[inst.ID]
	if !ok {
		return ErrInstanceNotFound
	}
	if cur.Version != inst.Version {
		return ErrVersionConflict
	}

	inst.Version++
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.StepInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.StepInstance
	for _, inst := range s.instances {
		if filter.matches(inst) {
			result = append(result, inst.Clone())
		}
	}
	SortInstances(result)
	return result, nil
}

func (f InstanceFilter) matches(inst *api.StepInstance) bool {
	switch {
	case f.ConfigurationID != "" && inst.ConfigurationID != f.ConfigurationID,
		f.TrackerID != "" && inst.TrackerID != f.TrackerID,
		f.DefinitionID != "" && inst.DefinitionID != f.DefinitionID,
		f.ParentID != "" && inst.ParentID != f.ParentID,
		f.MessageID != "" && inst.MessageID != f.MessageID,
		f.ActivityID != "" && inst.ActivityID != f.ActivityID,
		f.State != "" && inst.State != f.State,
		!f.IncludeTests && inst.IsTest:
		return false
	}
	if !f.ProcessedSince.IsZero() && (inst.ProcessedAt.IsZero() || inst.ProcessedAt.Before(f.ProcessedSince)) {
		return false
	}
	if len(f.Triggers) > 0 {
		for _, t := range f.Triggers {
			if inst.Trigger == t {
				return true
			}
		}
		return false
	}
	return true
}

func (s *InMemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*api.StepInstance, error) {
	return s.listScheduled(limit, func(inst *api.StepInstance) (time.Time, bool) {
		return inst.ScheduledAt, inst.Due(now)
	})
}

func (s *InMemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*api.StepInstance, error) {
	return s.listScheduled(limit, func(inst *api.StepInstance) (time.Time, bool) {
		return inst.ExpiresAt, inst.State == api.InstanceScheduled && !inst.ExpiresAt.IsZero() && !inst.ExpiresAt.After(now)
	})
}

func (s *InMemoryStore) listScheduled(limit int, pick func(*api.StepInstance) (time.Time, bool)) ([]*api.StepInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type candidate struct {
		at   time.Time
		inst *api.StepInstance
	}
	var cands []candidate
	for _, inst := range s.instances {
		if at, ok := pick(inst); ok {
			cands = append(cands, candidate{at: at, inst: inst})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].at.Equal(cands[j].at) {
			return cands[i].at.Before(cands[j].at)
		}
		return cands[i].inst.ID < cands[j].inst.ID
	})
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}

	result := make([]*api.StepInstance, len(cands))
	for i, c := range cands {
		result[i] = c.inst.Clone()
	}
	return result, nil
}

func (s *InMemoryStore) AddClick(ctx context.Context, c api.Click) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := clickKey{instanceID: c.InstanceID, linkCode: c.LinkCode, source: c.Source}
	if _, exists := s.clicks[key]; exists {
		return ErrDuplicateClick
	}
	s.clicks[key] = c
	return nil
}

func (s *InMemoryStore) CountClicks(ctx context.Context, configurationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.clicks {
		if c.ConfigurationID == configurationID && !c.IsTest {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ClickCounts(ctx context.Context, configurationID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int)
	for _, c := range s.clicks {
		if c.ConfigurationID == configurationID && !c.IsTest {
			out[c.InstanceID]++
		}
	}
	return out, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cur, ok := s.leases[key]
	if ok && cur.owner != owner && cur.expiresAt.After(now) {
		return false, nil
	}
	s.leases[key] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[key]
	if !ok || cur.owner != owner {
		return ErrLeaseNotHeld
	}
	s.leases[key] = memoryLease{owner: owner, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[key]; ok && cur.owner == owner {
		delete(s.leases, key)
	}
	return nil
}

// SortDefinitions orders definitions by sequence, then id.
func SortDefinitions(defs []api.StepDefinition) {
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Sequence != defs[j].Sequence {
			return defs[i].Sequence < defs[j].Sequence
		}
		return defs[i].ID < defs[j].ID
	})
}

// SortInstances orders instances by creation time, then id.
func SortInstances(insts []*api.StepInstance) {
	sort.SliceStable(insts, func(i, j int) bool {
		if !insts[i].CreatedAt.Equal(insts[j].CreatedAt) {
			return insts[i].CreatedAt.Before(insts[j].CreatedAt)
		}
		return insts[i].ID < insts[j].ID
	})
}
