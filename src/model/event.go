package model

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const ( // needs to match events.type in pg
	EventPoolRegistered     EventType = "pool_registered"
	EventPoolFunded         EventType = "pool_funded"
	EventIssueSubmitted     EventType = "issue_submitted"
	EventIssueAccepted      EventType = "issue_accepted"
	EventBountyPaid         EventType = "bounty_paid"
	EventCompletionSet      EventType = "completion_set"
	EventCompletionNotified EventType = "completion_notified"
	EventPoolClosed         EventType = "pool_closed"
	EventEvidenceLogged     EventType = "evidence_logged"
)

// Event - one append-only audit record. Seq is assigned by the journal at
// commit time and is strictly increasing.
type Event struct {
	Seq        uint64            `json:"seq"`
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	Sponsor    SponsorID         `json:"sponsor"`
	Issue      IssueID           `json:"issue,omitempty"`
	Amount     uint64            `json:"amount,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

func NewEvent(t EventType, sponsor SponsorID, issue IssueID, amount uint64) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Sponsor:   sponsor,
		Issue:     issue,
		Amount:    amount,
		Timestamp: time.Now().UTC(),
	}
}

func (e Event) With(key, value string) Event {
	attrs := make(map[string]string, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	e.Attributes = attrs
	return e
}
