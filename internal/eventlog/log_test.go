package eventlog

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stakpak-dev/runtime/pkg/models"
)

func runStarted(runID string) models.AgentEvent {
	return models.AgentEvent{Version: 1, Type: models.AgentEventRunStarted, RunID: runID}
}

func turnFinished(runID string, turn int) models.AgentEvent {
	return models.AgentEvent{Version: 1, Type: models.AgentEventTurnFinished, RunID: runID, TurnIndex: turn}
}

func u64p(v uint64) *uint64 { return &v }

func TestPublishAssignsMonotonicIDsPerSession(t *testing.T) {
	log := New(16)
	sessionID := uuid.NewString()
	runID := uuid.NewString()

	first := log.Publish(sessionID, runID, runStarted(runID))
	second := log.Publish(sessionID, runID, turnFinished(runID, 1))

	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("expected ids 1,2 got %d,%d", first.ID, second.ID)
	}
}

func TestReplayReturnsEventsNewerThanCursor(t *testing.T) {
	log := New(16)
	sessionID := uuid.NewString()
	runID := uuid.NewString()

	log.Publish(sessionID, runID, runStarted(runID))
	second := log.Publish(sessionID, runID, turnFinished(runID, 1))
	third := log.Publish(sessionID, runID, turnFinished(runID, 2))

	sub := log.Subscribe(sessionID, u64p(second.ID))
	defer sub.Close()

	if sub.Gap != nil {
		t.Fatalf("expected no gap, got %+v", sub.Gap)
	}
	if len(sub.Replay) != 1 || sub.Replay[0].ID != third.ID {
		t.Fatalf("expected replay of exactly the third event, got %+v", sub.Replay)
	}
	if sub.Replay[0].Event.TurnIndex != 2 {
		t.Fatalf("expected turn index 2, got %d", sub.Replay[0].Event.TurnIndex)
	}
}

func TestSubscribeReportsGapWhenCursorFallsOutsideRing(t *testing.T) {
	log := New(3)
	sessionID := uuid.NewString()
	runID := uuid.NewString()

	for turn := 0; turn < 5; turn++ {
		log.Publish(sessionID, runID, turnFinished(runID, turn))
	}

	sub := log.Subscribe(sessionID, u64p(1))
	defer sub.Close()

	if len(sub.Replay) != 0 {
		t.Fatalf("expected empty replay on gap, got %d events", len(sub.Replay))
	}
	if sub.Gap == nil {
		t.Fatal("expected gap to be detected")
	}
	if sub.Gap.RequestedAfterID != 1 {
		t.Fatalf("expected requested_after_id 1, got %d", sub.Gap.RequestedAfterID)
	}
	if sub.Gap.ResumeHint != ResumeHintRefreshSnapshot {
		t.Fatalf("unexpected resume hint %q", sub.Gap.ResumeHint)
	}

	oldest, newest, ok := log.SnapshotBounds(sessionID)
	if !ok {
		t.Fatal("expected bounds for populated session")
	}
	if sub.Gap.OldestAvailableID != oldest || sub.Gap.NewestAvailableID != newest {
		t.Fatalf("gap bounds %d..%d do not match snapshot bounds %d..%d",
			sub.Gap.OldestAvailableID, sub.Gap.NewestAvailableID, oldest, newest)
	}
}

func TestPublishIsDurableWithoutSubscribers(t *testing.T) {
	log := New(8)
	sessionID := uuid.NewString()
	runID := uuid.NewString()

	for turn := 0; turn < 4; turn++ {
		log.Publish(sessionID, runID, turnFinished(runID, turn))
	}

	sub := log.Subscribe(sessionID, u64p(0))
	defer sub.Close()
	if len(sub.Replay) != 4 {
		t.Fatalf("expected 4 replayed events, got %d", len(sub.Replay))
	}
}

func TestReplayIsSessionScoped(t *testing.T) {
	log := New(8)
	sessionA, sessionB := uuid.NewString(), uuid.NewString()
	runA, runB := uuid.NewString(), uuid.NewString()

	log.Publish(sessionA, runA, runStarted(runA))
	log.Publish(sessionB, runB, runStarted(runB))

	subA := log.Subscribe(sessionA, u64p(0))
	defer subA.Close()
	subB := log.Subscribe(sessionB, u64p(0))
	defer subB.Close()

	if len(subA.Replay) != 1 || subA.Replay[0].SessionID != sessionA {
		t.Fatalf("session A replay leaked cross-session events: %+v", subA.Replay)
	}
	if len(subB.Replay) != 1 || subB.Replay[0].SessionID != sessionB {
		t.Fatalf("session B replay leaked cross-session events: %+v", subB.Replay)
	}
}

func TestLiveChannelReceivesSubsequentPublishes(t *testing.T) {
	log := New(8)
	sessionID := uuid.NewString()
	runID := uuid.NewString()

	sub := log.Subscribe(sessionID, nil)
	defer sub.Close()

	log.Publish(sessionID, runID, runStarted(runID))

	select {
	case env := <-sub.Live:
		if env.SessionID != sessionID {
			t.Fatalf("unexpected session id %s", env.SessionID)
		}
	default:
		t.Fatal("expected live event to be available")
	}
}
