// Package memory provides an in-memory archive sink, useful for tests and
// dry runs where archived output should not leave the process.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/harvestkit/harvester/internal/harvester"
)

// Sink keeps archived items in a map keyed by fingerprint. Safe for
// concurrent use.
type Sink struct {
	mu    sync.RWMutex
	items map[string]harvester.Item
}

// New creates an empty in-memory sink.
func New() *Sink {
	return &Sink{items: make(map[string]harvester.Item)}
}

// Archive stores a copy of the item under its fingerprint, overwriting any
// previous entry.
func (s *Sink) Archive(_ context.Context, item harvester.Item, fingerprint string) error {
	if strings.TrimSpace(fingerprint) == "" {
		return fmt.Errorf("%w: empty fingerprint", harvester.ErrSinkRejected)
	}
	stored := harvester.Item{
		DeclaredID: item.DeclaredID,
		Content:    append([]byte(nil), item.Content...),
	}
	s.mu.Lock()
	s.items[fingerprint] = stored
	s.mu.Unlock()
	return nil
}

// Get returns the archived item for a fingerprint.
func (s *Sink) Get(fingerprint string) (harvester.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[fingerprint]
	return item, ok
}

// Len reports how many distinct items have been archived.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
