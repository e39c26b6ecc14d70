package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func validEvent(stage Stage) Event {
	return Event{
		SessionID:   "session-1",
		TS:          time.Unix(100, 0).UTC(),
		Stage:       stage,
		Fingerprint: "fp-1",
	}
}

func TestHub_DeliversToAllSinks(t *testing.T) {
	t.Parallel()
	a := &captureSink{}
	b := &captureSink{}
	h := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, a, b)

	h.Emit(validEvent(StageItemArchived))
	h.Emit(validEvent(StageItemSkipped))

	require.Eventually(t, func() bool {
		return len(a.snapshot()) == 2 && len(b.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	h.Close(context.Background())
	require.True(t, a.closed)
	require.True(t, b.closed)
}

func TestHub_CloseFlushesBuffered(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	h := NewHub(Config{MaxBatchWait: time.Hour}, sink)

	for i := 0; i < 5; i++ {
		h.Emit(validEvent(StageItemArchived))
	}
	h.Close(context.Background())

	require.Len(t, sink.snapshot(), 5)
}

func TestHub_DropsInvalidEvents(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	h := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	h.Emit(Event{}) // no session id, no timestamp
	h.Close(context.Background())

	require.Empty(t, sink.snapshot())
	require.Equal(t, int64(1), h.Dropped())
}

func TestHub_EmitAfterCloseIsDropped(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	h := NewHub(Config{}, sink)
	h.Close(context.Background())

	h.Emit(validEvent(StageItemArchived))
	require.Equal(t, int64(1), h.Dropped())
}

func TestEvent_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validEvent(StageSessionStart).Validate())
	require.Error(t, Event{Stage: StageSessionStart, TS: time.Now()}.Validate())

	missingFP := validEvent(StageItemFailed)
	missingFP.Fingerprint = ""
	require.Error(t, missingFP.Validate())

	unknown := validEvent("BOGUS")
	require.Error(t, unknown.Validate())
}
