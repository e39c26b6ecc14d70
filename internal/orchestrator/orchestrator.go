// Package orchestrator drives the harvesting pipeline: fetch a batch from
// the item source, dedupe against the session store, archive new items, and
// pace between remote operations. One orchestrator runs one session at a
// time as a single sequential worker; the dominant cost is the deliberate
// pacing delay, not computation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/harvestkit/harvester/internal/harvester"
	"github.com/harvestkit/harvester/internal/metrics"
	"github.com/harvestkit/harvester/internal/pacing"
	"github.com/harvestkit/harvester/internal/progress"
	"github.com/harvestkit/harvester/internal/retry"
)

// Phase is the orchestrator lifecycle state.
type Phase int32

// Orchestrator phases.
const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseCompleting
	PhaseAborting
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseCompleting:
		return "completing"
	case PhaseAborting:
		return "aborting"
	default:
		return "unknown"
	}
}

// ErrAlreadyRunning is returned by Start while a session is in flight.
var ErrAlreadyRunning = errors.New("a harvest session is already running")

// Config controls orchestrator behavior.
type Config struct {
	// Topic, when set, publishes a notification per archived item.
	Topic string
	// EmptyBatchLimit ends the run after this many consecutive batches
	// with no candidate items (default 3, the source may be stalling).
	EmptyBatchLimit int
	// TimeoutEscalation is how many consecutive fetch timeouts are treated
	// as retryable before the condition escalates to fatal: a source that
	// keeps stalling has likely detected us (default 3).
	TimeoutEscalation int
}

const (
	defaultEmptyBatchLimit   = 3
	defaultTimeoutEscalation = 3
)

// Summary reports the outcome of one finished session.
type Summary struct {
	SessionID      string                  `json:"session_id"`
	Status         harvester.SessionStatus `json:"status"`
	ItemsProcessed int                     `json:"items_processed"`
	ItemsSkipped   int                     `json:"items_skipped"`
	ItemsFailed    int                     `json:"items_failed"`
	TotalAllTime   int                     `json:"total_all_time"`
}

// Orchestrator coordinates one session at a time over injected
// collaborators. All dependencies are passed in at construction; there are
// no ambient globals to reach for.
type Orchestrator struct {
	store     harvester.SessionStore
	source    harvester.ItemSource
	sink      harvester.ArchiveSink
	publisher harvester.Publisher
	fp        harvester.Fingerprinter
	pacer     *pacing.Pacer
	retrier   *retry.Controller
	clock     harvester.Clock
	emitter   progress.Emitter
	logger    *zap.Logger
	cfg       Config

	phase atomic.Int32

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	sessionID string
	summary   Summary
}

// New constructs an Orchestrator. Publisher and emitter may be nil.
func New(
	store harvester.SessionStore,
	source harvester.ItemSource,
	sink harvester.ArchiveSink,
	publisher harvester.Publisher,
	fp harvester.Fingerprinter,
	pacer *pacing.Pacer,
	retrier *retry.Controller,
	clock harvester.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
	cfg Config,
) *Orchestrator {
	if cfg.EmptyBatchLimit <= 0 {
		cfg.EmptyBatchLimit = defaultEmptyBatchLimit
	}
	if cfg.TimeoutEscalation <= 0 {
		cfg.TimeoutEscalation = defaultTimeoutEscalation
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:     store,
		source:    source,
		sink:      sink,
		publisher: publisher,
		fp:        fp,
		pacer:     pacer,
		retrier:   retrier,
		clock:     clock,
		emitter:   emitter,
		logger:    logger,
		cfg:       cfg,
	}
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	return Phase(o.phase.Load())
}

// SessionID returns the session currently (or last) driven by this
// orchestrator.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Stats delegates to the session store.
func (o *Orchestrator) Stats(ctx context.Context) (harvester.Stats, error) {
	return o.store.Stats(ctx)
}

// Start begins a new session: it records the session in the store, connects
// the item source, and launches the harvest loop in the background. A source
// that cannot be reached or authenticated fails the session immediately:
// that usually needs human intervention, so it is reported, not retried.
// Returns the new session ID, or ErrAlreadyRunning.
func (o *Orchestrator) Start(ctx context.Context, targetCount int) (string, error) {
	if !o.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseStarting)) {
		return "", ErrAlreadyRunning
	}

	sessionID, err := o.store.StartSession(ctx)
	if err != nil {
		o.phase.Store(int32(PhaseIdle))
		return "", fmt.Errorf("start session: %w", err)
	}

	if err := o.source.Connect(ctx); err != nil {
		if endErr := o.store.EndSession(ctx, sessionID, harvester.StatusFailed); endErr != nil {
			o.logger.Error("end session after connect failure", zap.Error(endErr))
		}
		o.phase.Store(int32(PhaseIdle))
		return "", fmt.Errorf("connect item source: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancel = cancel
	o.done = make(chan struct{})
	o.sessionID = sessionID
	o.mu.Unlock()

	o.emitter.Emit(progress.Event{
		SessionID: sessionID,
		TS:        o.clock.Now(),
		Stage:     progress.StageSessionStart,
	})
	o.logger.Info("harvest session started",
		zap.String("session_id", sessionID),
		zap.Int("target_count", targetCount),
	)

	go o.run(runCtx, sessionID, targetCount)
	return sessionID, nil
}

// Stop requests graceful interruption. The in-flight item finishes; no new
// item starts. Safe to call when nothing is running.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current run finishes and returns its summary.
func (o *Orchestrator) Wait() Summary {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		<-done
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.summary
}

// Run is the synchronous form used by the CLI: start, mirror external
// cancellation into Stop, and wait for the summary.
func (o *Orchestrator) Run(ctx context.Context, targetCount int) (Summary, error) {
	sessionID, err := o.Start(ctx, targetCount)
	if err != nil {
		return Summary{}, err
	}
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			o.Stop()
		case <-watchDone:
		}
	}()

	summary := o.Wait()
	if summary.SessionID == "" {
		summary.SessionID = sessionID
	}
	return summary, nil
}

// run drives the fetch → dedupe → archive → pace cycle.
func (o *Orchestrator) run(ctx context.Context, sessionID string, targetCount int) {
	o.phase.Store(int32(PhaseRunning))

	status := harvester.StatusCompleted
	var runErr error

	cursor := ""
	harvested := 0
	emptyBatches := 0
	classifyFetch := o.newFetchClassifier()

loop:
	for {
		if ctx.Err() != nil {
			status = harvester.StatusInterrupted
			break
		}

		batch, err := o.fetchBatch(ctx, cursor, classifyFetch)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				status = harvester.StatusInterrupted
			case errors.Is(err, harvester.ErrSourceExhausted):
			default:
				status = harvester.StatusFailed
				runErr = err
			}
			break
		}

		o.emitter.Emit(progress.Event{
			SessionID: sessionID,
			TS:        o.clock.Now(),
			Stage:     progress.StageBatchFetched,
			Count:     len(batch.Items),
		})

		if len(batch.Items) == 0 {
			emptyBatches++
			if emptyBatches >= o.cfg.EmptyBatchLimit {
				o.logger.Warn("no new content after consecutive batches, ending run",
					zap.Int("batches", emptyBatches))
				break
			}
		} else {
			emptyBatches = 0
		}

		for _, item := range batch.Items {
			if ctx.Err() != nil {
				status = harvester.StatusInterrupted
				break loop
			}
			if targetCount > 0 && harvested >= targetCount {
				break loop
			}

			archived, err := o.processItem(ctx, sessionID, item)
			if err != nil {
				// Only store failures reach here; dedup guarantees are
				// gone, so the run cannot safely continue.
				status = harvester.StatusFailed
				runErr = err
				break loop
			}
			if archived {
				harvested++
			}

			delay := o.pacer.NextDelay()
			metrics.ObservePacingDelay(delay)
			if err := o.pacer.Pause(ctx, delay); err != nil {
				status = harvester.StatusInterrupted
				break loop
			}
		}

		if targetCount > 0 && harvested >= targetCount {
			break
		}
		if !batch.HasMore {
			break
		}
		cursor = batch.NextCursor
	}

	o.finish(sessionID, status, runErr)
}

// finish transitions through Completing/Aborting, finalizes the session, and
// releases the source connection.
func (o *Orchestrator) finish(sessionID string, status harvester.SessionStatus, runErr error) {
	if status == harvester.StatusCompleted {
		o.phase.Store(int32(PhaseCompleting))
	} else {
		o.phase.Store(int32(PhaseAborting))
	}

	// The run context is already canceled here; finalization gets its own bound.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.store.EndSession(ctx, sessionID, status); err != nil {
		o.logger.Error("end session", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := o.source.Close(ctx); err != nil {
		o.logger.Warn("close item source", zap.Error(err))
	}

	summary := Summary{SessionID: sessionID, Status: status}
	if sess, err := o.store.GetSession(ctx, sessionID); err == nil {
		summary.ItemsProcessed = sess.ItemsProcessed
		summary.ItemsSkipped = sess.ItemsSkipped
		summary.ItemsFailed = sess.ItemsFailed
	}
	if stats, err := o.store.Stats(ctx); err == nil {
		summary.TotalAllTime = stats.TotalAllTime
	}

	stage := progress.StageSessionDone
	note := string(status)
	if runErr != nil {
		stage = progress.StageSessionError
		note = runErr.Error()
	}
	o.emitter.Emit(progress.Event{
		SessionID: sessionID,
		TS:        o.clock.Now(),
		Stage:     stage,
		Note:      note,
	})

	logFn := o.logger.Info
	if runErr != nil {
		logFn = o.logger.Error
	}
	logFn("harvest session finished",
		zap.String("session_id", sessionID),
		zap.String("status", string(status)),
		zap.Int("items_processed", summary.ItemsProcessed),
		zap.Int("items_skipped", summary.ItemsSkipped),
		zap.Int("items_failed", summary.ItemsFailed),
		zap.Int("total_all_time", summary.TotalAllTime),
		zap.Error(runErr),
	)

	o.mu.Lock()
	o.summary = summary
	done := o.done
	o.cancel = nil
	o.mu.Unlock()

	o.phase.Store(int32(PhaseIdle))
	if done != nil {
		close(done)
	}
}

// fetchBatch pulls the next page from the source under the retry controller.
func (o *Orchestrator) fetchBatch(ctx context.Context, cursor string, classify retry.Classifier) (harvester.Batch, error) {
	var batch harvester.Batch
	start := o.clock.Now()
	err := o.retrier.Execute(ctx, "fetch batch", func(ctx context.Context) error {
		var err error
		batch, err = o.source.FetchBatch(ctx, cursor)
		return err
	}, classify)
	metrics.ObserveFetchDuration(o.clock.Now().Sub(start))
	if err != nil {
		return harvester.Batch{}, err
	}
	return batch, nil
}

// processItem handles one candidate: fingerprint, dedupe, archive, record.
// The returned error is non-nil only for store failures, which are fatal to
// the run; archival failures are absorbed here (failure isolation).
func (o *Orchestrator) processItem(ctx context.Context, sessionID string, item harvester.Item) (bool, error) {
	fp := o.fp.Fingerprint(item)

	seen, err := o.store.IsProcessed(ctx, fp)
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		if err := o.store.MarkSkipped(ctx, sessionID); err != nil {
			return false, fmt.Errorf("mark skipped: %w", err)
		}
		o.emitter.Emit(progress.Event{
			SessionID:   sessionID,
			TS:          o.clock.Now(),
			Stage:       progress.StageItemSkipped,
			Fingerprint: fp,
		})
		return false, nil
	}

	archiveErr := o.retrier.Execute(ctx, "archive item", func(ctx context.Context) error {
		return o.sink.Archive(ctx, item, fp)
	}, classifyArchive)
	if archiveErr != nil {
		if err := o.store.IncrementFailed(ctx, sessionID); err != nil {
			return false, fmt.Errorf("record failure: %w", err)
		}
		o.pacer.OnFailure()
		o.emitter.Emit(progress.Event{
			SessionID:   sessionID,
			TS:          o.clock.Now(),
			Stage:       progress.StageItemFailed,
			Fingerprint: fp,
			Note:        archiveErr.Error(),
		})
		o.logger.Warn("item archival failed",
			zap.String("session_id", sessionID),
			zap.String("fingerprint", fp),
			zap.Error(archiveErr),
		)
		return false, nil
	}

	if err := o.store.MarkProcessed(ctx, fp, sessionID); err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	o.pacer.OnSuccess()

	if o.publisher != nil && o.cfg.Topic != "" {
		payload := map[string]any{
			"session_id":  sessionID,
			"fingerprint": fp,
			"archived_at": o.clock.Now().Format(time.RFC3339),
		}
		if _, err := o.publisher.Publish(ctx, o.cfg.Topic, payload); err != nil {
			o.logger.Warn("publish archived-item event",
				zap.String("fingerprint", fp), zap.Error(err))
		}
	}

	o.emitter.Emit(progress.Event{
		SessionID:   sessionID,
		TS:          o.clock.Now(),
		Stage:       progress.StageItemArchived,
		Fingerprint: fp,
	})
	return true, nil
}

// newFetchClassifier builds the per-run classification for batch fetches.
// Timeouts are retryable until they repeat TimeoutEscalation times in a row;
// an expired source session is always fatal.
func (o *Orchestrator) newFetchClassifier() retry.Classifier {
	consecutiveTimeouts := 0
	return func(err error) retry.Classification {
		switch {
		case errors.Is(err, harvester.ErrAuthExpired):
			return retry.Fatal
		case errors.Is(err, harvester.ErrSourceExhausted):
			return retry.Fatal
		case errors.Is(err, context.Canceled):
			return retry.Fatal
		case isTimeout(err):
			consecutiveTimeouts++
			if consecutiveTimeouts >= o.cfg.TimeoutEscalation {
				return retry.Fatal
			}
			metrics.IncRetry("fetch batch")
			return retry.Retryable
		default:
			consecutiveTimeouts = 0
			metrics.IncRetry("fetch batch")
			return retry.Retryable
		}
	}
}

// classifyArchive treats sink rejections and cancellation as fatal for the
// item; everything else (transient sink trouble) is retried.
func classifyArchive(err error) retry.Classification {
	switch {
	case errors.Is(err, harvester.ErrSinkRejected):
		return retry.Fatal
	case errors.Is(err, context.Canceled):
		return retry.Fatal
	default:
		metrics.IncRetry("archive item")
		return retry.Retryable
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
