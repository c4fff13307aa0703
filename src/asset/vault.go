package asset

import (
	"sync"

	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/pkg/errors"
)

// Receiver is anything value can be handed to: a payout destination or a
// sponsor refund account.
type Receiver interface {
	ID() string
	Kind() model.AssetKind
	Deposit(b *Bucket) error
}

// Vault is the asset transfer primitive for one asset kind
type Vault interface {
	Receiver
	Balance() uint64
	Withdraw(amount uint64) (*Bucket, error)
}

// MemoryVault is an in-process vault. It backs the escrow pools in the dev
// daemon, the router liquidity and tests.
type MemoryVault struct {
	id      string
	kind    model.AssetKind
	lock    sync.Mutex
	balance uint64
}

func NewMemoryVault(id string, kind model.AssetKind) *MemoryVault {
	return &MemoryVault{id: id, kind: kind}
}

// SeedMemoryVault creates a vault holding balance out of thin air. Only used for
// dev accounts, router liquidity and restoring pools from the journal.
func SeedMemoryVault(id string, kind model.AssetKind, balance uint64) *MemoryVault {
	return &MemoryVault{id: id, kind: kind, balance: balance}
}

func (v *MemoryVault) ID() string {
	return v.id
}

func (v *MemoryVault) Kind() model.AssetKind {
	return v.kind
}

func (v *MemoryVault) Balance() uint64 {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.balance
}

func (v *MemoryVault) Deposit(b *Bucket) error {
	if b == nil {
		return nil
	}
	if b.kind != v.kind {
		return errors.Wrapf(model.ErrInvalidArgument, "vault %s holds %s, got %s", v.id, v.kind, b.kind)
	}
	v.lock.Lock()
	defer v.lock.Unlock()
	if v.balance+b.amount < v.balance {
		return errors.Wrapf(model.ErrInvalidArgument, "vault %s overflow", v.id)
	}
	v.balance += b.TakeAll().amount
	return nil
}

func (v *MemoryVault) Withdraw(amount uint64) (*Bucket, error) {
	v.lock.Lock()
	defer v.lock.Unlock()
	if amount > v.balance {
		return nil, errors.Wrapf(model.ErrInsufficientFunds, "vault %s: withdraw %d, available %d", v.id, amount, v.balance)
	}
	v.balance -= amount
	return newBucket(v.kind, amount), nil
}
