package cmd

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	archivegcs "github.com/harvestkit/harvester/internal/archive/gcs"
	archivelocal "github.com/harvestkit/harvester/internal/archive/local"
	archivemem "github.com/harvestkit/harvester/internal/archive/memory"
	"github.com/harvestkit/harvester/internal/clock/system"
	"github.com/harvestkit/harvester/internal/fingerprint"
	"github.com/harvestkit/harvester/internal/harvester"
	iduuid "github.com/harvestkit/harvester/internal/id/uuid"
	"github.com/harvestkit/harvester/internal/orchestrator"
	"github.com/harvestkit/harvester/internal/pacing"
	"github.com/harvestkit/harvester/internal/progress"
	progresssinks "github.com/harvestkit/harvester/internal/progress/sinks"
	publishpubsub "github.com/harvestkit/harvester/internal/publish/pubsub"
	"github.com/harvestkit/harvester/internal/retry"
	collysource "github.com/harvestkit/harvester/internal/source/colly"
	"github.com/harvestkit/harvester/internal/source/headless"
	"github.com/harvestkit/harvester/internal/source/replay"
	statefile "github.com/harvestkit/harvester/internal/state/file"
	statemem "github.com/harvestkit/harvester/internal/state/memory"
	statepg "github.com/harvestkit/harvester/internal/state/postgres"
)

// runtime holds every wired component for one command invocation.
type runtime struct {
	store harvester.SessionStore
	orch  *orchestrator.Orchestrator
	clock harvester.Clock
	hub   *progress.Hub

	closers []func()
}

// close tears down components in reverse wiring order.
func (rt *runtime) close(logger *zap.Logger) {
	if rt.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		rt.hub.Close(ctx)
		cancel()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			logger.Warn("close session store", zap.Error(err))
		}
	}
}

// buildStore wires only the session store; used by commands that never run a
// harvest (stats, prune).
func buildStore(ctx context.Context, app *appContext) (harvester.SessionStore, error) {
	clk := system.New()
	ids := iduuid.New()

	switch app.cfg.State.Kind {
	case "file":
		store, err := statefile.Open(app.cfg.State.File, clk, ids, app.logger)
		if err != nil {
			return nil, fmt.Errorf("open state file: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := statepg.New(ctx, app.cfg.State.Postgres, clk, ids, app.logger)
		if err != nil {
			return nil, fmt.Errorf("connect state database: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate state database: %w", err)
		}
		return store, nil
	case "memory":
		return statemem.New(clk, ids, app.logger), nil
	default:
		return nil, fmt.Errorf("unknown state kind %q", app.cfg.State.Kind)
	}
}

func buildSource(app *appContext) (harvester.ItemSource, error) {
	switch app.cfg.Source.Kind {
	case "replay":
		return replay.New(app.cfg.Source.Replay), nil
	case "colly":
		return collysource.New(app.cfg.Source.Colly), nil
	case "headless":
		return headless.New(app.cfg.Source.Headless), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", app.cfg.Source.Kind)
	}
}

func buildSink(ctx context.Context, app *appContext, clk harvester.Clock, rt *runtime) (harvester.ArchiveSink, error) {
	switch app.cfg.Archive.Kind {
	case "local":
		sink, err := archivelocal.New(app.cfg.Archive.Local, clk)
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return sink, nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init storage client: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = client.Close() })
		sink, err := archivegcs.New(client, app.cfg.Archive.GCS, clk)
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return sink, nil
	case "memory":
		return archivemem.New(), nil
	default:
		return nil, fmt.Errorf("unknown archive kind %q", app.cfg.Archive.Kind)
	}
}

// buildPublisher returns nil when no topic is configured.
func buildPublisher(ctx context.Context, app *appContext, rt *runtime) (harvester.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = client.Close() })
	pub, err := publishpubsub.New(client)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, pub.Close)
	return pub, nil
}

func buildHub(app *appContext) (*progress.Hub, error) {
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("init prometheus progress sink: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: app.logger},
		progresssinks.NewLogSink(app.logger),
		promSink,
	)
	return hub, nil
}

// buildRuntime wires the full pipeline for harvest and serve.
func buildRuntime(ctx context.Context, app *appContext) (*runtime, error) {
	rt := &runtime{clock: system.New()}

	store, err := buildStore(ctx, app)
	if err != nil {
		return nil, err
	}
	rt.store = store

	source, err := buildSource(app)
	if err != nil {
		rt.close(app.logger)
		return nil, err
	}
	sink, err := buildSink(ctx, app, rt.clock, rt)
	if err != nil {
		rt.close(app.logger)
		return nil, err
	}
	publisher, err := buildPublisher(ctx, app, rt)
	if err != nil {
		rt.close(app.logger)
		return nil, err
	}
	hub, err := buildHub(app)
	if err != nil {
		rt.close(app.logger)
		return nil, err
	}
	rt.hub = hub

	rt.orch = orchestrator.New(
		store,
		source,
		sink,
		publisher,
		fingerprint.New(),
		pacing.New(app.cfg.PacerConfig()),
		retry.New(app.cfg.RetryControllerConfig(), app.logger),
		rt.clock,
		hub,
		app.logger,
		orchestrator.Config{
			Topic:             app.cfg.PubSub.TopicName,
			EmptyBatchLimit:   app.cfg.Harvest.EmptyBatchLimit,
			TimeoutEscalation: app.cfg.Harvest.TimeoutEscalation,
		},
	)
	return rt, nil
}
