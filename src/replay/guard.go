package replay

import (
	"context"
	"sync"

	"github.com/onemorebsmith/bounty-escrow/src/metrics"
	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/pkg/errors"
)

// Guard rejects reused action ids. Claim checks and marks in one step;
// Release is only for undoing a claim whose operation never committed.
type Guard interface {
	Claim(ctx context.Context, actionID string) error
	Release(ctx context.Context, actionID string) error
	Restore(ctx context.Context, actionIDs []string) error
}

func ErrReplayed(actionID string) error {
	metrics.RecordReplay()
	return errors.Wrapf(model.ErrAlreadyExists, "action id %s already used", actionID)
}

func validate(actionID string) error {
	if actionID == "" {
		return errors.Wrap(model.ErrInvalidArgument, "empty action id")
	}
	return nil
}

type MemoryGuard struct {
	lock sync.Mutex
	used map[string]struct{}
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{used: map[string]struct{}{}}
}

func (g *MemoryGuard) Claim(ctx context.Context, actionID string) error {
	if err := validate(actionID); err != nil {
		return err
	}
	g.lock.Lock()
	defer g.lock.Unlock()
	if _, exists := g.used[actionID]; exists {
		return ErrReplayed(actionID)
	}
	g.used[actionID] = struct{}{}
	return nil
}

func (g *MemoryGuard) Release(ctx context.Context, actionID string) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	delete(g.used, actionID)
	return nil
}

func (g *MemoryGuard) Restore(ctx context.Context, actionIDs []string) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	for _, id := range actionIDs {
		g.used[id] = struct{}{}
	}
	return nil
}
