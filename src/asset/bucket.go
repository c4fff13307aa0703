package asset

import (
	"fmt"

	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/pkg/errors"
)

// Bucket holds a quantity of one asset kind that is in flight between two
// vaults. Buckets are only created by withdrawing from a vault and only ever
// passed by pointer: every move drains the source bucket, so the same value
// can never sit in two places.
type Bucket struct {
	kind   model.AssetKind
	amount uint64
}

func newBucket(kind model.AssetKind, amount uint64) *Bucket {
	return &Bucket{kind: kind, amount: amount}
}

func (b *Bucket) Kind() model.AssetKind {
	return b.kind
}

func (b *Bucket) Amount() uint64 {
	if b == nil {
		return 0
	}
	return b.amount
}

func (b *Bucket) IsEmpty() bool {
	return b.Amount() == 0
}

// TakeAll moves the full contents into a new bucket and leaves b empty
func (b *Bucket) TakeAll() *Bucket {
	out := newBucket(b.kind, b.amount)
	b.amount = 0
	return out
}

// Split moves amount out of b into a new bucket
func (b *Bucket) Split(amount uint64) (*Bucket, error) {
	if amount > b.amount {
		return nil, errors.Wrapf(model.ErrInsufficientFunds, "split %d from bucket of %d", amount, b.amount)
	}
	b.amount -= amount
	return newBucket(b.kind, amount), nil
}

// Merge drains other into b
func (b *Bucket) Merge(other *Bucket) error {
	if other == nil || other.amount == 0 {
		return nil
	}
	if other.kind != b.kind {
		return errors.Wrapf(model.ErrInvalidArgument, "cannot merge %s into %s", other.kind, b.kind)
	}
	if b.amount+other.amount < b.amount {
		return errors.Wrap(model.ErrInvalidArgument, "bucket overflow")
	}
	b.amount += other.amount
	other.amount = 0
	return nil
}

func (b *Bucket) String() string {
	return fmt.Sprintf("%d %s", b.Amount(), b.kind)
}
