// Package audit implements the Audit Protocol: a Primary issues a challenge
// naming a page of a Database it holds, a peer must answer with the page's
// hash within a deadline, and a missing, late, or mismatched response is
// reported to the Event Bus as audit:failed. This package never slashes
// directly; integration with the Registry is left to internal/noderuntime
// (DESIGN.md Open Question 4).
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlitefleet/engine/internal/events"
)

// Challenge is one outstanding audit challenge.
type Challenge struct {
	ChallengeID  string
	DatabaseID   string
	NodeID       string
	PageIndex    int64
	ExpectedHash string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Protocol tracks outstanding challenges and reports failures to the Event
// Bus.
type Protocol struct {
	bus     *events.Broker
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]Challenge
}

// New creates a Protocol that reports to bus and expires challenges after
// timeout.
func New(bus *events.Broker, timeout time.Duration) *Protocol {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Protocol{bus: bus, timeout: timeout, pending: make(map[string]Challenge)}
}

// Issue creates a new challenge for (databaseID, nodeID) over pageData at
// pageIndex and records it as pending.
func (p *Protocol) Issue(databaseID, nodeID string, pageIndex int64, pageData []byte) Challenge {
	sum := sha256.Sum256(pageData)
	now := time.Now()
	ch := Challenge{
		ChallengeID:  uuid.NewString(),
		DatabaseID:   databaseID,
		NodeID:       nodeID,
		PageIndex:    pageIndex,
		ExpectedHash: hex.EncodeToString(sum[:]),
		IssuedAt:     now,
		ExpiresAt:    now.Add(p.timeout),
	}

	p.mu.Lock()
	p.pending[ch.ChallengeID] = ch
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type:       events.AuditChallenge,
			Timestamp:  now,
			NodeID:     nodeID,
			DatabaseID: databaseID,
			Data:       ch,
		})
	}
	return ch
}

// Respond records a peer's answer to a challenge. A mismatched or expired
// response publishes audit:failed; a correct, timely one publishes
// audit:response and clears the challenge.
func (p *Protocol) Respond(challengeID, reportedHash string) {
	p.mu.Lock()
	ch, ok := p.pending[challengeID]
	if ok {
		delete(p.pending, challengeID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	now := time.Now()
	if now.After(ch.ExpiresAt) || reportedHash != ch.ExpectedHash {
		p.fail(ch, reportedHash)
		return
	}

	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type:       events.AuditResponse,
			Timestamp:  now,
			NodeID:     ch.NodeID,
			DatabaseID: ch.DatabaseID,
			Data:       ch,
		})
	}
}

// SweepExpired reports every still-pending challenge whose deadline has
// passed as a failure (the peer never responded at all).
func (p *Protocol) SweepExpired() {
	now := time.Now()
	p.mu.Lock()
	var expired []Challenge
	for id, ch := range p.pending {
		if now.After(ch.ExpiresAt) {
			expired = append(expired, ch)
			delete(p.pending, id)
		}
	}
	p.mu.Unlock()

	for _, ch := range expired {
		p.fail(ch, "")
	}
}

func (p *Protocol) fail(ch Challenge, reportedHash string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{
		Type:       events.AuditFailed,
		Timestamp:  time.Now(),
		NodeID:     ch.NodeID,
		DatabaseID: ch.DatabaseID,
		Data: map[string]any{
			"challenge_id":  ch.ChallengeID,
			"expected_hash": ch.ExpectedHash,
			"reported_hash": reportedHash,
			"page_index":    ch.PageIndex,
		},
	})
}
