package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/sqlitefleet/engine/internal/events"
)

func TestRespond_CorrectHashPublishesResponse(t *testing.T) {
	bus := events.NewBroker()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	p := New(bus, time.Minute)
	page := []byte("page data")
	ch := p.Issue("db-1", "node-1", 3, page)

	// drain the audit:challenge event published by Issue
	<-sub.Events()

	sum := sha256.Sum256(page)
	p.Respond(ch.ChallengeID, hex.EncodeToString(sum[:]))

	ev := <-sub.Events()
	if ev.Type != events.AuditResponse {
		t.Fatalf("event type = %s, want audit:response", ev.Type)
	}
}

func TestRespond_WrongHashPublishesFailed(t *testing.T) {
	bus := events.NewBroker()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	p := New(bus, time.Minute)
	ch := p.Issue("db-1", "node-1", 0, []byte("expected"))
	<-sub.Events() // audit:challenge

	p.Respond(ch.ChallengeID, "not-the-right-hash")

	ev := <-sub.Events()
	if ev.Type != events.AuditFailed {
		t.Fatalf("event type = %s, want audit:failed", ev.Type)
	}
}

func TestRespond_UnknownChallengeIDIsIgnored(t *testing.T) {
	bus := events.NewBroker()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	p := New(bus, time.Minute)
	p.Respond("does-not-exist", "whatever")

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no event for an unknown challenge, got %v", ev)
	default:
	}
}

func TestSweepExpired_PublishesFailedForEachExpiredChallenge(t *testing.T) {
	bus := events.NewBroker()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	p := New(bus, time.Nanosecond)
	p.Issue("db-1", "node-1", 1, []byte("a"))
	<-sub.Events() // audit:challenge

	time.Sleep(time.Millisecond)
	p.SweepExpired()

	ev := <-sub.Events()
	if ev.Type != events.AuditFailed {
		t.Fatalf("event type = %s, want audit:failed", ev.Type)
	}

	p.mu.Lock()
	remaining := len(p.pending)
	p.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("pending challenges after sweep = %d, want 0", remaining)
	}
}

func TestSweepExpired_LeavesUnexpiredChallengesPending(t *testing.T) {
	bus := events.NewBroker()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	p := New(bus, time.Minute)
	p.Issue("db-1", "node-1", 1, []byte("a"))
	<-sub.Events()

	p.SweepExpired()

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no audit:failed for an unexpired challenge, got %v", ev)
	default:
	}

	p.mu.Lock()
	remaining := len(p.pending)
	p.mu.Unlock()
	if remaining != 1 {
		t.Fatalf("pending challenges = %d, want 1", remaining)
	}
}
