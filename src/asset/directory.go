package asset

import (
	"sync"

	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/pkg/errors"
)

// Directory resolves account ids to vaults. Issues and pools persist only the
// account id of their receiver, the directory turns it back into something
// value can be deposited to.
type Directory interface {
	Resolve(id string) (Vault, error)
	// Owner returns the sponsor allowed to draw from the account, empty when
	// nobody may
	Owner(id string) (model.SponsorID, error)
}

type MemoryDirectory struct {
	lock     sync.RWMutex
	accounts map[string]Vault
	owners   map[string]model.SponsorID
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		accounts: map[string]Vault{},
		owners:   map[string]model.SponsorID{},
	}
}

// Add registers an account nobody can draw from, e.g. a hacker payout account
func (d *MemoryDirectory) Add(v Vault) error {
	return d.AddOwned(v, "")
}

func (d *MemoryDirectory) AddOwned(v Vault, owner model.SponsorID) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, exists := d.accounts[v.ID()]; exists {
		return errors.Wrapf(model.ErrAlreadyExists, "account %s", v.ID())
	}
	d.accounts[v.ID()] = v
	if owner != "" {
		d.owners[v.ID()] = owner
	}
	return nil
}

func (d *MemoryDirectory) Owner(id string) (model.SponsorID, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if _, ok := d.accounts[id]; !ok {
		return "", errors.Wrapf(model.ErrNotFound, "account %s", id)
	}
	return d.owners[id], nil
}

func (d *MemoryDirectory) Resolve(id string) (Vault, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	v, ok := d.accounts[id]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "account %s", id)
	}
	return v, nil
}
