// Package records provides reference RecordStore implementations used by the
// local runner, the CLI and tests. Real deployments plug in the host
// application's own record storage.
package records

import (
	"context"
	"sort"
	"sync"

	"github.com/petrijr/stepflow/pkg/api"
)

// MemoryStore keeps records in process memory, keyed by model and id.
type MemoryStore struct {
	mu     sync.RWMutex
	models map[string]map[int64]api.Record
	fields map[string]map[string]struct{}
}

var (
	_ api.RecordStore    = (*MemoryStore)(nil)
	_ api.FieldDescriber = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		models: make(map[string]map[int64]api.Record),
		fields: make(map[string]map[string]struct{}),
	}
}

// DeclareFields registers the fields of a model, in addition to those seen on
// stored records.
func (s *MemoryStore) DeclareFields(model string, fields ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addFields(model, fields...)
}

func (s *MemoryStore) addFields(model string, fields ...string) {
	set, ok := s.fields[model]
	if !ok {
		set = make(map[string]struct{})
		s.fields[model] = set
	}
	for _, f := range fields {
		set[f] = struct{}{}
	}
}

// Put inserts or replaces a record.
func (s *MemoryStore) Put(model string, id int64, rec api.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.models[model]
	if !ok {
		m = make(map[int64]api.Record)
		s.models[model] = m
	}
	cp := make(api.Record, len(rec))
	for k, v := range rec {
		cp[k] = v
		s.addFields(model, k)
	}
	m[id] = cp
}

// Set changes one field of an existing record.
func (s *MemoryStore) Set(model string, id int64, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.models[model][id]
	if !ok {
		return api.ErrRecordNotFound
	}
	rec[field] = value
	s.addFields(model, field)
	return nil
}

// Delete removes a record. Deleting a missing record is a no-op.
func (s *MemoryStore) Delete(model string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.models[model], id)
}

func (s *MemoryStore) Query(ctx context.Context, model string, criteria api.Criteria, env api.EvalEnv) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.models[model]))
	for id := range s.models[model] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := ids[:0]
	for _, id := range ids {
		if criteria != nil {
			ok, err := criteria.Match(s.models[model][id], env)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *MemoryStore) Exists(ctx context.Context, ref api.RecordRef) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.models[ref.Model][ref.ID]
	return ok, nil
}

func (s *MemoryStore) Read(ctx context.Context, ref api.RecordRef) (api.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.models[ref.Model][ref.ID]
	if !ok {
		return nil, api.ErrRecordNotFound
	}
	cp := make(api.Record, len(rec))
	for k, v := range rec {
		cp[k] = v
	}
	return cp, nil
}

func (s *MemoryStore) FieldValue(ctx context.Context, ref api.RecordRef, field string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.models[ref.Model][ref.ID]
	if !ok {
		return nil, api.ErrRecordNotFound
	}
	return rec[field], nil
}

func (s *MemoryStore) HasField(ctx context.Context, model, field string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.fields[model][field]
	return ok, nil
}
