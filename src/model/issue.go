package model

import "time"

// Issue - a single hacker submission against a sponsor pool. The payout
// account and kind are captured at submission and never change.
type Issue struct {
	Sponsor       SponsorID
	ID            IssueID
	Hacker        HackerID
	Summary       string
	Accepted      bool
	Completed     bool
	Notified      bool
	Paid          uint64 // settlement units debited from the pool, monotonic
	PayoutAccount string
	PayoutKind    AssetKind
	Submitted     time.Time
	Updated       time.Time
}

// ShouldNotify is true exactly when the one-shot completion notification is due
func (i *Issue) ShouldNotify() bool {
	return i.Completed && i.Paid > 0 && !i.Notified
}

// IssueStatus is the read-only projection returned by status queries
type IssueStatus struct {
	Hacker    HackerID `json:"hacker"`
	Accepted  bool     `json:"accepted"`
	Completed bool     `json:"completed"`
	Paid      uint64   `json:"paid"`
}

func (i *Issue) Status() IssueStatus {
	return IssueStatus{
		Hacker:    i.Hacker,
		Accepted:  i.Accepted,
		Completed: i.Completed,
		Paid:      i.Paid,
	}
}
