package layer

import (
	"fmt"
	"sync"

	"geopilot/internal/errs"
)

// Store owns the named layers of one session. All mutations are atomic
// with respect to concurrent readers; listing preserves insertion
// order. Stored layers are treated as immutable: Put a replacement
// instead of modifying one in place.
type Store struct {
	mu     sync.RWMutex
	layers map[string]*Layer
	order  []string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{layers: make(map[string]*Layer)}
}

// Get returns the named layer.
func (s *Store) Get(name string) (*Layer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.layers[name]
	if !ok {
		return nil, errs.New(errs.UnknownLayer, "layer %q not found", name)
	}
	return l, nil
}

// Put adds a layer under its name, failing on collision.
func (s *Store) Put(l *Layer) error {
	return s.put(l, false)
}

// PutReplace adds a layer, overwriting any existing layer of the same name.
func (s *Store) PutReplace(l *Layer) error {
	return s.put(l, true)
}

func (s *Store) put(l *Layer, replace bool) error {
	if l == nil || l.Name == "" {
		return fmt.Errorf("layer must have a name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.layers[l.Name]; exists {
		if !replace {
			return errs.New(errs.NameCollision, "layer %q already exists", l.Name)
		}
	} else {
		s.order = append(s.order, l.Name)
	}
	s.layers[l.Name] = l
	return nil
}

// Remove deletes the named layer.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.layers[name]; !ok {
		return errs.New(errs.UnknownLayer, "layer %q not found", name)
	}
	delete(s.layers, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Names returns layer names in insertion order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}

// Has reports whether a layer of this name exists.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.layers[name]
	return ok
}

// Len returns the number of stored layers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// List returns layer summaries in insertion order.
func (s *Store) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.layers[name].Summarize())
	}
	return out
}

// Visible returns the visible layers in insertion order.
func (s *Store) Visible() []*Layer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Layer, 0, len(s.order))
	for _, name := range s.order {
		if l := s.layers[name]; l.Visible {
			out = append(out, l)
		}
	}
	return out
}

// SetVisible toggles a layer's visibility flag. The layer value is
// replaced wholesale so concurrent readers keep a consistent view.
func (s *Store) SetVisible(name string, visible bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.layers[name]
	if !ok {
		return errs.New(errs.UnknownLayer, "layer %q not found", name)
	}
	cp := *l
	cp.Visible = visible
	s.layers[name] = &cp
	return nil
}

// UniqueName disambiguates a desired layer name with a numeric suffix:
// roads_buffer, roads_buffer_2, roads_buffer_3, ...
func (s *Store) UniqueName(desired string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, exists := s.layers[desired]; !exists {
		return desired
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", desired, i)
		if _, exists := s.layers[candidate]; !exists {
			return candidate
		}
	}
}
