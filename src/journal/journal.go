package journal

import (
	"context"

	"github.com/onemorebsmith/bounty-escrow/src/model"
)

// Batch is everything one ledger operation changes. A store commits a batch
// completely or not at all.
type Batch struct {
	Pools     []model.SponsorPool
	Issues    []model.Issue
	Bindings  []model.CapabilityBinding
	Evidence  []model.EvidenceRecord
	ActionIDs []string
	Events    []model.Event
}

func (b *Batch) IsEmpty() bool {
	return len(b.Pools) == 0 && len(b.Issues) == 0 && len(b.Bindings) == 0 &&
		len(b.Evidence) == 0 && len(b.ActionIDs) == 0 && len(b.Events) == 0
}

func (b *Batch) Append(other Batch) {
	b.Pools = append(b.Pools, other.Pools...)
	b.Issues = append(b.Issues, other.Issues...)
	b.Bindings = append(b.Bindings, other.Bindings...)
	b.Evidence = append(b.Evidence, other.Evidence...)
	b.ActionIDs = append(b.ActionIDs, other.ActionIDs...)
	b.Events = append(b.Events, other.Events...)
}

type Snapshot struct {
	Pools     []*model.SponsorPool
	Issues    []*model.Issue
	Bindings  []model.CapabilityBinding
	ActionIDs []string
	LastSeq   uint64
}

type Store interface {
	// Commit persists the batch and returns its events with sequence numbers
	// assigned. A duplicate action id fails the whole batch with
	// ErrAlreadyExists.
	Commit(ctx context.Context, batch *Batch) ([]model.Event, error)
	Load(ctx context.Context) (*Snapshot, error)
	Events(ctx context.Context, after uint64, limit int) ([]model.Event, error)
	Ping(ctx context.Context) error
}
