// Package replay implements an item source that replays a JSON Lines file.
// Each line is one item. Replay runs are deterministic, which makes this the
// source of choice for tests, demos, and re-ingesting a previously captured
// stream.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/harvestkit/harvester/internal/harvester"
)

// Config controls the replay source.
type Config struct {
	// Path is the JSONL file to replay.
	Path string `mapstructure:"path" yaml:"path"`
	// BatchSize is how many items each fetch returns (default 25).
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`
}

const defaultBatchSize = 25

// line is the wire format of one replayed item.
type line struct {
	DeclaredID string `json:"declared_id,omitempty"`
	Content    string `json:"content"`
}

// Source replays items from a file. The cursor is the decimal index of the
// next item, so an interrupted run can resume mid-file.
type Source struct {
	cfg Config

	mu    sync.Mutex
	items []harvester.Item
}

// New creates a replay source; the file is not touched until Connect.
func New(cfg Config) *Source {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Source{cfg: cfg}
}

// Connect loads and parses the whole file. A malformed line fails the
// connect rather than surfacing later mid-run.
func (s *Source) Connect(_ context.Context) error {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	var items []harvester.Item
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return fmt.Errorf("parse replay file line %d: %w", lineNo, err)
		}
		items = append(items, harvester.Item{
			DeclaredID: l.DeclaredID,
			Content:    []byte(l.Content),
		})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read replay file: %w", err)
	}

	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
	return nil
}

// FetchBatch returns the next slice of items starting at the cursor.
func (s *Source) FetchBatch(_ context.Context, cursor string) (harvester.Batch, error) {
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return harvester.Batch{}, fmt.Errorf("invalid replay cursor %q", cursor)
		}
		start = n
	}

	s.mu.Lock()
	items := s.items
	s.mu.Unlock()

	if start >= len(items) {
		return harvester.Batch{}, harvester.ErrSourceExhausted
	}

	end := start + s.cfg.BatchSize
	if end > len(items) {
		end = len(items)
	}
	return harvester.Batch{
		Items:      items[start:end],
		NextCursor: strconv.Itoa(end),
		HasMore:    end < len(items),
	}, nil
}

// Close releases the loaded items.
func (s *Source) Close(_ context.Context) error {
	s.mu.Lock()
	s.items = nil
	s.mu.Unlock()
	return nil
}
