// Package memory provides an in-memory store adapter.
//
// It backs the engine tests and the daemon's demo mode. All operations take
// a single lock, which makes AtomicIncrement trivially linearizable — the
// property the sequence allocator depends on.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/trellishq/trellis/internal/storage"
)

// Store is an in-memory storage.Adapter.
type Store struct {
	mu     sync.Mutex
	nextID int64
	docs   map[storage.Kind]map[string]*storage.Doc
	markup map[string]string
	closed bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		docs:   make(map[storage.Kind]map[string]*storage.Doc),
		markup: make(map[string]string),
	}
}

func (s *Store) genID(kind storage.Kind) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", kind, s.nextID)
}

func cloneDoc(d *storage.Doc) *storage.Doc {
	c := *d
	c.Fields = cloneFields(d.Fields)
	return &c
}

func cloneFields(f map[string]any) map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		if ss, ok := v.([]string); ok {
			v = append([]string(nil), ss...)
		}
		out[k] = v
	}
	return out
}

func matches(d *storage.Doc, sel storage.Selector) bool {
	for k, want := range sel {
		var got any
		switch k {
		case "_id":
			got = d.ID
		case "space":
			got = d.Space
		case "attachedTo":
			got = d.Parent
		case "collection":
			got = d.Collection
		default:
			got = d.Fields[k]
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// FindOne implements storage.Adapter.
func (s *Store) FindOne(ctx context.Context, kind storage.Kind, sel storage.Selector) (*storage.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.docs[kind] {
		if matches(d, sel) {
			return cloneDoc(d), nil
		}
	}
	return nil, storage.NotFoundError(string(kind), fmt.Sprint(sel))
}

// FindAll implements storage.Adapter.
func (s *Store) FindAll(ctx context.Context, kind storage.Kind, sel storage.Selector, limit int) ([]*storage.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.Doc
	for _, d := range s.docs[kind] {
		if matches(d, sel) {
			out = append(out, cloneDoc(d))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// AtomicIncrement implements storage.Adapter. The store lock serializes all
// increments, so returned values are unique per (id, field) under any
// concurrency. A missing field is created and set to delta.
func (s *Store) AtomicIncrement(ctx context.Context, kind storage.Kind, id, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[kind][id]
	if !ok {
		return 0, storage.NotFoundError(string(kind), id)
	}
	cur := storage.FieldInt64(d.Fields, field)
	cur += delta
	d.Fields[field] = cur
	return cur, nil
}

// CreateAttached implements storage.Adapter.
func (s *Store) CreateAttached(ctx context.Context, kind storage.Kind, space, parent string, parentKind storage.Kind, collection string, fields map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.genID(kind)
	if s.docs[kind] == nil {
		s.docs[kind] = make(map[string]*storage.Doc)
	}
	s.docs[kind][id] = &storage.Doc{
		ID:         id,
		Kind:       kind,
		Space:      space,
		Parent:     parent,
		ParentKind: parentKind,
		Collection: collection,
		Fields:     cloneFields(fields),
	}
	return id, nil
}

// CreateDoc implements storage.Adapter.
func (s *Store) CreateDoc(ctx context.Context, kind storage.Kind, space string, fields map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.genID(kind)
	if s.docs[kind] == nil {
		s.docs[kind] = make(map[string]*storage.Doc)
	}
	s.docs[kind][id] = &storage.Doc{
		ID:     id,
		Kind:   kind,
		Space:  space,
		Fields: cloneFields(fields),
	}
	return id, nil
}

// Update implements storage.Adapter. Set entries with nil values clear the
// field; Inc entries use the same serialization as AtomicIncrement.
func (s *Store) Update(ctx context.Context, kind storage.Kind, space, id string, patch storage.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[kind][id]
	if !ok {
		return storage.NotFoundError(string(kind), id)
	}
	for k, v := range patch.Set {
		if v == nil {
			delete(d.Fields, k)
			continue
		}
		d.Fields[k] = v
	}
	for k, delta := range patch.Inc {
		d.Fields[k] = storage.FieldInt64(d.Fields, k) + delta
	}
	return nil
}

// RemoveAttached implements storage.Adapter.
func (s *Store) RemoveAttached(ctx context.Context, kind storage.Kind, space, id, parent string, parentKind storage.Kind, collection string) error {
	return s.RemoveDoc(ctx, kind, space, id)
}

// RemoveDoc implements storage.Adapter.
func (s *Store) RemoveDoc(ctx context.Context, kind storage.Kind, space, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[kind][id]; !ok {
		return storage.NotFoundError(string(kind), id)
	}
	delete(s.docs[kind], id)
	return nil
}

// UploadMarkup implements storage.Adapter. Empty text returns an empty ref
// and stores nothing.
func (s *Store) UploadMarkup(ctx context.Context, kind storage.Kind, id, field, text, format string) (string, error) {
	if text == "" {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ref := fmt.Sprintf("markup-%d", s.nextID)
	s.markup[ref] = text
	return ref, nil
}

// FetchMarkup implements storage.Adapter.
func (s *Store) FetchMarkup(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.markup[ref]
	if !ok {
		return "", storage.NotFoundError("markup", ref)
	}
	return text, nil
}

// Close implements storage.Adapter.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Count returns the number of stored documents of a kind. Test helper.
func (s *Store) Count(kind storage.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs[kind])
}
