// Package gcs provides an archive sink backed by Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/harvestkit/harvester/internal/harvester"
)

// Config captures the parameters required to archive into GCS.
type Config struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	// Prefix is prepended to every object name, e.g. "harvest/".
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

type envelope struct {
	Fingerprint string    `json:"fingerprint"`
	DeclaredID  string    `json:"declared_id,omitempty"`
	Content     []byte    `json:"content"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// Sink uploads archived items to a configured GCS bucket.
type Sink struct {
	client *storage.Client
	bucket string
	prefix string
	clock  harvester.Clock
}

// New creates a GCS-backed sink.
func New(client *storage.Client, cfg Config, clock harvester.Clock) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Sink{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		clock:  clock,
	}, nil
}

// Archive uploads one item as JSON under <prefix><fp[:2]>/<fp>.json.
func (s *Sink) Archive(ctx context.Context, item harvester.Item, fingerprint string) error {
	if strings.TrimSpace(fingerprint) == "" {
		return fmt.Errorf("%w: empty fingerprint", harvester.ErrSinkRejected)
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

	writer := s.client.Bucket(s.bucket).Object(s.objectName(fingerprint)).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

func (s *Sink) objectName(fingerprint string) string {
	shard := fingerprint
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return fmt.Sprintf("%s%s/%s.json", s.prefix, shard, fingerprint)
}
