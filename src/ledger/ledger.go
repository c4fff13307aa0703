package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/onemorebsmith/bounty-escrow/src/asset"
	"github.com/onemorebsmith/bounty-escrow/src/auth"
	"github.com/onemorebsmith/bounty-escrow/src/eventbus"
	"github.com/onemorebsmith/bounty-escrow/src/journal"
	"github.com/onemorebsmith/bounty-escrow/src/metrics"
	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/onemorebsmith/bounty-escrow/src/settlement"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// VaultFactory creates the settlement-asset vault backing a pool. balance is
// the recorded balance when restoring from the journal, zero for new pools.
type VaultFactory func(sponsor model.SponsorID, balance uint64) asset.Vault

type Deps struct {
	SettlementAsset model.AssetKind
	Adapter         *settlement.Adapter
	Store           journal.Store
	Publisher       eventbus.Publisher
	Directory       asset.Directory
	Gate            *auth.Gate
	NewVault        VaultFactory
	Logger          *zap.Logger
}

// Ledger owns every sponsor pool. It is the only component that changes a
// pool balance and it only does so by the measured delta of a vault.
type Ledger struct {
	settlement model.AssetKind
	adapter    *settlement.Adapter
	store      journal.Store
	publisher  eventbus.Publisher
	directory  asset.Directory
	gate       *auth.Gate
	newVault   VaultFactory
	logger     *zap.Logger

	registerLock sync.Mutex
	lock         sync.RWMutex
	pools        map[model.SponsorID]*pool
}

type pool struct {
	opLock sync.Mutex   // one operation at a time per pool
	lock   sync.RWMutex // committed record, for readers
	record model.SponsorPool
	vault  asset.Vault
	refund asset.Receiver
}

func (p *pool) snapshot() model.SponsorPool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.record
}

func New(deps Deps) (*Ledger, error) {
	if deps.SettlementAsset == "" {
		return nil, errors.Wrap(model.ErrInvalidArgument, "settlement asset not configured")
	}
	if deps.Adapter == nil || deps.Store == nil || deps.Directory == nil || deps.Gate == nil {
		return nil, errors.Wrap(model.ErrInvalidArgument, "ledger dependencies missing")
	}
	if deps.Publisher == nil {
		deps.Publisher = eventbus.Multi()
	}
	if deps.NewVault == nil {
		settlementAsset := deps.SettlementAsset
		deps.NewVault = func(sponsor model.SponsorID, balance uint64) asset.Vault {
			return asset.SeedMemoryVault(fmt.Sprintf("pool-%s", sponsor), settlementAsset, balance)
		}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Ledger{
		settlement: deps.SettlementAsset,
		adapter:    deps.Adapter,
		store:      deps.Store,
		publisher:  deps.Publisher,
		directory:  deps.Directory,
		gate:       deps.Gate,
		newVault:   deps.NewVault,
		logger:     deps.Logger.With(zap.String("component", "ledger")),
		pools:      map[model.SponsorID]*pool{},
	}, nil
}

func (l *Ledger) SettlementAsset() model.AssetKind {
	return l.settlement
}

func (l *Ledger) get(sponsor model.SponsorID) (*pool, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	p, ok := l.pools[sponsor]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "sponsor %s", sponsor)
	}
	return p, nil
}

type Registration struct {
	Sponsor       model.SponsorID
	Name          string
	DefaultPayout int64
	RefundAccount string
	// committed in the same batch as the pool and bound once it is durable
	Binding *model.CapabilityBinding
}

// RegisterPool creates an open pool with a zero balance
func (l *Ledger) RegisterPool(ctx context.Context, reg Registration) (err error) {
	defer func() { metrics.RecordOperation("register", model.KindOf(err)) }()
	if reg.Sponsor == "" {
		return errors.Wrap(model.ErrInvalidArgument, "empty sponsor id")
	}
	if reg.Name == "" {
		return errors.Wrap(model.ErrInvalidArgument, "empty pool name")
	}
	if reg.DefaultPayout < 0 {
		return errors.Wrapf(model.ErrInvalidArgument, "negative default payout %d", reg.DefaultPayout)
	}
	refund, err := l.directory.Resolve(reg.RefundAccount)
	if err != nil {
		return errors.Wrap(err, "refund account")
	}
	// close must always be able to return the balance
	if refund.Kind() != l.settlement {
		if _, err := l.adapter.Quote(ctx, l.settlement, refund.Kind(), 1); err != nil {
			return errors.Wrapf(err, "refund account %s", reg.RefundAccount)
		}
	}

	l.registerLock.Lock()
	defer l.registerLock.Unlock()
	if _, err := l.get(reg.Sponsor); err == nil {
		return errors.Wrapf(model.ErrAlreadyExists, "sponsor %s", reg.Sponsor)
	}

	now := time.Now().UTC()
	record := model.SponsorPool{
		Sponsor:       reg.Sponsor,
		Name:          reg.Name,
		DefaultPayout: uint64(reg.DefaultPayout),
		Status:        model.PoolStatusOpen,
		RefundAccount: reg.RefundAccount,
		Created:       now,
		Updated:       now,
	}
	batch := &journal.Batch{
		Pools: []model.SponsorPool{record},
		Events: []model.Event{
			model.NewEvent(model.EventPoolRegistered, reg.Sponsor, 0, 0).
				With("name", reg.Name).
				With("default_payout", fmt.Sprintf("%d", reg.DefaultPayout)),
		},
	}
	if reg.Binding != nil {
		batch.Bindings = append(batch.Bindings, *reg.Binding)
	}
	committed, err := l.store.Commit(ctx, batch)
	if err != nil {
		return errors.Wrapf(err, "failed journaling registration of %s", reg.Sponsor)
	}

	l.lock.Lock()
	l.pools[reg.Sponsor] = &pool{
		record: record,
		vault:  l.newVault(reg.Sponsor, 0),
		refund: refund,
	}
	l.lock.Unlock()
	if reg.Binding != nil {
		if err := l.gate.Bind(*reg.Binding); err != nil {
			// the journal already rejects duplicate bindings, this is unreachable
			l.logger.Error("failed binding journaled capability", zap.String("sponsor", string(reg.Sponsor)), zap.Error(err))
		}
	}
	l.logger.Info("registered pool", zap.String("sponsor", string(reg.Sponsor)), zap.String("name", reg.Name))
	l.publish(ctx, committed)
	return nil
}

// Restore rebuilds pools from journaled records. Vaults are recreated holding
// the recorded balance.
func (l *Ledger) Restore(pools []*model.SponsorPool) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, rec := range pools {
		refund, err := l.directory.Resolve(rec.RefundAccount)
		if err != nil {
			return errors.Wrapf(err, "restoring pool %s", rec.Sponsor)
		}
		l.pools[rec.Sponsor] = &pool{
			record: *rec,
			vault:  l.newVault(rec.Sponsor, rec.Balance),
			refund: refund,
		}
		metrics.RecordPoolBalance(string(rec.Sponsor), rec.Balance)
	}
	return nil
}

// Credit moves an externally supplied asset into the sponsor's pool. Foreign
// assets go through the settlement adapter; the pool is credited with the
// observed change of its vault, never with a quote. On error the caller's
// bucket still holds whatever was not consumed.
func (l *Ledger) Credit(ctx context.Context, c auth.Capability, sponsor model.SponsorID, in *asset.Bucket) (uint64, error) {
	if err := l.gate.Require(c, sponsor); err != nil {
		metrics.RecordOperation("credit", model.KindOf(err))
		return 0, err
	}
	var credited uint64
	err := l.Update(ctx, sponsor, "credit", func(tx *Tx) error {
		if in.IsEmpty() {
			return errors.Wrap(model.ErrInvalidArgument, "credit of zero amount")
		}
		if !tx.staged.IsOpen() {
			return errors.Wrapf(model.ErrPoolClosed, "credit %s", sponsor)
		}
		inputKind, inputAmount := in.Kind(), in.Amount()
		vault := tx.pool.vault
		before := vault.Balance()
		if inputKind == l.settlement {
			if err := vault.Deposit(in); err != nil {
				return err
			}
		} else if _, err := l.adapter.Execute(ctx, in, l.settlement, vault); err != nil {
			return err
		}
		after := vault.Balance()
		if after < before {
			return errors.Wrapf(model.ErrExecutionFailed, "pool %s vault shrank during credit", sponsor)
		}
		delta := after - before
		tx.Defer(func() error {
			return l.returnCredit(ctx, tx.pool, delta, in)
		})
		if delta == 0 {
			return errors.Wrap(model.ErrInvalidArgument, "credit produced no settlement value")
		}
		if tx.staged.Balance+delta < tx.staged.Balance {
			return errors.Wrap(model.ErrInvalidArgument, "pool balance overflow")
		}
		tx.staged.Balance += delta
		tx.Emit(model.NewEvent(model.EventPoolFunded, sponsor, 0, delta).
			With("asset", string(inputKind)).
			With("input", fmt.Sprintf("%d", inputAmount)))
		credited = delta
		return nil
	})
	return credited, err
}

// returnCredit undoes a credit that never committed. Same-kind value goes back
// into the caller's bucket, converted value goes to the sponsor's refund account.
func (l *Ledger) returnCredit(ctx context.Context, p *pool, delta uint64, in *asset.Bucket) error {
	if delta == 0 {
		return nil
	}
	b, err := p.vault.Withdraw(delta)
	if err != nil {
		return err
	}
	if in.Kind() == b.Kind() {
		return in.Merge(b)
	}
	return l.deliver(ctx, b, p.refund)
}

// ClosePool locks the pool and returns the whole balance to the sponsor's
// refund account in the same operation.
func (l *Ledger) ClosePool(ctx context.Context, c auth.Capability, sponsor model.SponsorID) (uint64, error) {
	if err := l.gate.Require(c, sponsor); err != nil {
		metrics.RecordOperation("close", model.KindOf(err))
		return 0, err
	}
	var returned uint64
	err := l.Update(ctx, sponsor, "close", func(tx *Tx) error {
		if !tx.staged.IsOpen() {
			return errors.Wrapf(model.ErrInvalidState, "pool %s already closed", sponsor)
		}
		returned = tx.staged.Balance
		if returned > 0 {
			b, err := tx.Debit(returned)
			if err != nil {
				return err
			}
			if err := tx.Payout(b, tx.pool.refund); err != nil {
				return err
			}
		}
		tx.staged.Status = model.PoolStatusClosed
		tx.Emit(model.NewEvent(model.EventPoolClosed, sponsor, 0, returned).
			With("refund_account", tx.pool.refund.ID()))
		return nil
	})
	return returned, err
}

func (l *Ledger) GetPool(sponsor model.SponsorID) (model.SponsorPool, error) {
	p, err := l.get(sponsor)
	if err != nil {
		return model.SponsorPool{}, err
	}
	return p.snapshot(), nil
}

func (l *Ledger) GetPoolBalance(sponsor model.SponsorID) (uint64, error) {
	rec, err := l.GetPool(sponsor)
	if err != nil {
		return 0, err
	}
	return rec.Balance, nil
}

func (l *Ledger) Sponsors() []model.SponsorID {
	l.lock.RLock()
	defer l.lock.RUnlock()
	out := make([]model.SponsorID, 0, len(l.pools))
	for s := range l.pools {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Audit reports the recorded balance next to what the vault actually holds
func (l *Ledger) Audit(sponsor model.SponsorID) (recorded uint64, held uint64, err error) {
	p, err := l.get(sponsor)
	if err != nil {
		return 0, 0, err
	}
	p.opLock.Lock()
	defer p.opLock.Unlock()
	return p.snapshot().Balance, p.vault.Balance(), nil
}

// Quote is advisory and never used for accounting
func (l *Ledger) Quote(ctx context.Context, from, to model.AssetKind, amount uint64) (uint64, error) {
	return l.adapter.Quote(ctx, from, to, amount)
}

func (l *Ledger) Events(ctx context.Context, after uint64, limit int) ([]model.Event, error) {
	return l.store.Events(ctx, after, limit)
}

// deliver hands a bucket to a receiver, converting it first if needed
func (l *Ledger) deliver(ctx context.Context, b *asset.Bucket, to asset.Receiver) error {
	if b.Kind() != to.Kind() {
		out, err := l.adapter.Convert(ctx, b, to.Kind())
		if err != nil {
			return err
		}
		b = out
	}
	return to.Deposit(b)
}

func (l *Ledger) publish(ctx context.Context, events []model.Event) {
	if len(events) == 0 {
		return
	}
	if err := l.publisher.Publish(ctx, events); err != nil {
		l.logger.Warn("failed publishing committed events", zap.Error(err), zap.Uint64("first_seq", events[0].Seq))
	}
}
