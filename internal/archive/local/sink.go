// Package local implements an archive sink backed by the local filesystem.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harvestkit/harvester/internal/harvester"
)

// Config captures the parameters for the local filesystem sink.
type Config struct {
	// BaseDir is the root directory where archived items are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// envelope is the on-disk record for one archived item. Content marshals as
// base64 under encoding/json's []byte rules.
type envelope struct {
	Fingerprint string    `json:"fingerprint"`
	DeclaredID  string    `json:"declared_id,omitempty"`
	Content     []byte    `json:"content"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// Sink writes archived items to the local filesystem, one JSON file per
// item, sharded by fingerprint prefix to keep directories small.
type Sink struct {
	baseDir string
	clock   harvester.Clock
}

// New creates a filesystem-backed sink, verifying the base directory exists
// and is writable up front so a misconfigured path fails at startup rather
// than on the first item.
func New(cfg Config, clock harvester.Clock) (*Sink, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Sink{baseDir: cfg.BaseDir, clock: clock}, nil
}

// Archive writes one item under <base>/<fp[:2]>/<fp>.json. A fingerprint
// that escapes the base directory is rejected permanently.
func (s *Sink) Archive(_ context.Context, item harvester.Item, fingerprint string) error {
	if strings.TrimSpace(fingerprint) == "" {
		return fmt.Errorf("%w: empty fingerprint", harvester.ErrSinkRejected)
	}

	fullPath := filepath.Join(s.baseDir, s.objectPath(fingerprint))

	// Declared IDs come from the source verbatim, so guard against path
	// traversal before touching the filesystem.
	cleanBase := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBase+string(filepath.Separator)) {
		return fmt.Errorf("%w: path traversal detected", harvester.ErrSinkRejected)
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	data, err := json.Marshal(envelope{
		Fingerprint: fingerprint,
		DeclaredID:  item.DeclaredID,
		Content:     item.Content,
		ArchivedAt:  s.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: encode item: %v", harvester.ErrSinkRejected, err)
	}

	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write item file: %w", err)
	}
	return nil
}

// objectPath shards by the first two fingerprint characters.
func (s *Sink) objectPath(fingerprint string) string {
	shard := fingerprint
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(shard, fingerprint+".json")
}
