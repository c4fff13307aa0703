package ledger

import (
	"context"
	"time"

	"github.com/onemorebsmith/bounty-escrow/src/asset"
	"github.com/onemorebsmith/bounty-escrow/src/journal"
	"github.com/onemorebsmith/bounty-escrow/src/metrics"
	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type delivery struct {
	bucket *asset.Bucket
	to     asset.Receiver
}

// Tx is one operation against a single pool. Changes are staged on a copy of
// the pool record and only applied once the journal accepts the batch; value
// already moved is put back by the undo stack if anything fails first.
type Tx struct {
	ctx        context.Context
	ledger     *Ledger
	pool       *pool
	staged     model.SponsorPool
	batch      journal.Batch
	undo       []func() error
	onCommit   []func()
	deliveries []delivery
}

// Pool returns the staged pool record
func (tx *Tx) Pool() model.SponsorPool {
	return tx.staged
}

// NextIssueID reserves the next issue id for the pool
func (tx *Tx) NextIssueID() model.IssueID {
	tx.staged.IssueCount++
	return model.IssueID(tx.staged.IssueCount)
}

func (tx *Tx) Emit(events ...model.Event) {
	tx.batch.Events = append(tx.batch.Events, events...)
}

// Stage adds records to the operation's journal batch
func (tx *Tx) Stage(b journal.Batch) {
	tx.batch.Append(b)
}

// Defer pushes an undo step, run in reverse order if the operation fails
func (tx *Tx) Defer(undo func() error) {
	tx.undo = append(tx.undo, undo)
}

// OnCommit runs fn after the batch is durable and the pool record applied
func (tx *Tx) OnCommit(fn func()) {
	tx.onCommit = append(tx.onCommit, fn)
}

// Debit withdraws amount of the settlement asset from the pool's vault. The
// returned bucket is owned by the caller; anything left in it is returned to
// the vault if the operation fails.
func (tx *Tx) Debit(amount uint64) (*asset.Bucket, error) {
	if amount == 0 {
		return nil, errors.Wrap(model.ErrInvalidArgument, "debit of zero amount")
	}
	if !tx.staged.IsOpen() {
		return nil, errors.Wrapf(model.ErrPoolClosed, "debit %s", tx.staged.Sponsor)
	}
	if tx.staged.Balance < amount {
		return nil, errors.Wrapf(model.ErrInsufficientFunds, "pool %s holds %d, debit of %d",
			tx.staged.Sponsor, tx.staged.Balance, amount)
	}
	b, err := tx.pool.vault.Withdraw(amount)
	if err != nil {
		return nil, errors.Wrapf(err, "pool %s vault", tx.staged.Sponsor)
	}
	tx.staged.Balance -= amount
	vault := tx.pool.vault
	tx.Defer(func() error {
		if b.IsEmpty() {
			return nil
		}
		return vault.Deposit(b)
	})
	return b, nil
}

// Payout queues b for delivery to the receiver once the operation commits.
// Conversion into the receiver's kind happens now so a failed swap aborts the
// operation before anything is journaled.
func (tx *Tx) Payout(b *asset.Bucket, to asset.Receiver) error {
	if b.IsEmpty() {
		return errors.Wrap(model.ErrInvalidArgument, "empty payout")
	}
	var out *asset.Bucket
	if b.Kind() == to.Kind() {
		out = b.TakeAll()
		tx.Defer(func() error {
			return b.Merge(out)
		})
	} else {
		converted, err := tx.ledger.adapter.Convert(tx.ctx, b, to.Kind())
		if err != nil {
			return err
		}
		out = converted
		tx.Defer(func() error {
			// best effort, the reverse swap may not return the full amount
			back, err := tx.ledger.adapter.Convert(context.Background(), out, b.Kind())
			if err != nil {
				return err
			}
			return b.Merge(back)
		})
	}
	tx.deliveries = append(tx.deliveries, delivery{bucket: out, to: to})
	return nil
}

func (tx *Tx) rollback(cause error) {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		if err := tx.undo[i](); err != nil {
			tx.ledger.logger.Error("failed undoing partial operation, run an audit",
				zap.String("sponsor", string(tx.staged.Sponsor)),
				zap.NamedError("cause", cause), zap.Error(err))
		}
	}
}

// Update runs fn as a single unit of work against the sponsor's pool.
// Operations on the same pool are serialized; different pools proceed
// concurrently.
func (l *Ledger) Update(ctx context.Context, sponsor model.SponsorID, op string, fn func(tx *Tx) error) (err error) {
	defer func() { metrics.RecordOperation(op, model.KindOf(err)) }()
	p, err := l.get(sponsor)
	if err != nil {
		return err
	}
	p.opLock.Lock()
	defer p.opLock.Unlock()

	original := p.snapshot()
	tx := &Tx{ctx: ctx, ledger: l, pool: p, staged: original}
	if err := fn(tx); err != nil {
		tx.rollback(err)
		return err
	}
	if tx.staged != original {
		tx.staged.Updated = time.Now().UTC()
		tx.batch.Pools = append(tx.batch.Pools, tx.staged)
	}
	if tx.batch.IsEmpty() {
		return nil
	}
	committed, err := l.store.Commit(ctx, &tx.batch)
	if err != nil {
		tx.rollback(err)
		return errors.Wrapf(err, "%s on pool %s", op, sponsor)
	}

	p.lock.Lock()
	p.record = tx.staged
	p.lock.Unlock()
	for _, fn := range tx.onCommit {
		fn()
	}
	for _, d := range tx.deliveries {
		amount := d.bucket.Amount()
		if err := d.to.Deposit(d.bucket); err != nil {
			l.logger.Error("failed delivering committed payout",
				zap.String("sponsor", string(sponsor)), zap.String("receiver", d.to.ID()),
				zap.Uint64("amount", amount), zap.Error(err))
		}
	}
	metrics.RecordPoolBalance(string(sponsor), tx.staged.Balance)
	l.publish(ctx, committed)
	return nil
}
