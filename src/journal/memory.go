package journal

import (
	"context"
	"sort"
	"sync"

	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/pkg/errors"
)

type issueKey struct {
	sponsor model.SponsorID
	id      model.IssueID
}

type MemoryStore struct {
	lock      sync.Mutex
	pools     map[model.SponsorID]model.SponsorPool
	issues    map[issueKey]model.Issue
	bindings  map[model.SponsorID]model.CapabilityBinding
	evidence  []model.EvidenceRecord
	actionIDs map[string]struct{}
	events    []model.Event
	seq       uint64
	failNext  error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:     map[model.SponsorID]model.SponsorPool{},
		issues:    map[issueKey]model.Issue{},
		bindings:  map[model.SponsorID]model.CapabilityBinding{},
		actionIDs: map[string]struct{}{},
	}
}

// FailNextCommit makes the next Commit fail with err, for exercising rollback
func (ms *MemoryStore) FailNextCommit(err error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.failNext = err
}

func (ms *MemoryStore) Commit(ctx context.Context, batch *Batch) ([]model.Event, error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if ms.failNext != nil {
		err := ms.failNext
		ms.failNext = nil
		return nil, errors.Wrap(err, "failed committing batch")
	}
	seen := map[string]struct{}{}
	for _, id := range batch.ActionIDs {
		if _, exists := ms.actionIDs[id]; exists {
			return nil, errors.Wrapf(model.ErrAlreadyExists, "action id %s already used", id)
		}
		if _, exists := seen[id]; exists {
			return nil, errors.Wrapf(model.ErrAlreadyExists, "action id %s repeated in batch", id)
		}
		seen[id] = struct{}{}
	}
	for _, b := range batch.Bindings {
		if _, exists := ms.bindings[b.Sponsor]; exists {
			return nil, errors.Wrapf(model.ErrAlreadyExists, "binding for %s", b.Sponsor)
		}
	}

	for _, p := range batch.Pools {
		ms.pools[p.Sponsor] = p
	}
	for _, i := range batch.Issues {
		ms.issues[issueKey{i.Sponsor, i.ID}] = i
	}
	for _, b := range batch.Bindings {
		ms.bindings[b.Sponsor] = b
	}
	ms.evidence = append(ms.evidence, batch.Evidence...)
	for id := range seen {
		ms.actionIDs[id] = struct{}{}
	}
	committed := make([]model.Event, 0, len(batch.Events))
	for _, e := range batch.Events {
		ms.seq++
		e.Seq = ms.seq
		ms.events = append(ms.events, e)
		committed = append(committed, e)
	}
	return committed, nil
}

func (ms *MemoryStore) Load(ctx context.Context) (*Snapshot, error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	snap := &Snapshot{LastSeq: ms.seq}
	for _, p := range ms.pools {
		p := p
		snap.Pools = append(snap.Pools, &p)
	}
	sort.Slice(snap.Pools, func(i, j int) bool { return snap.Pools[i].Sponsor < snap.Pools[j].Sponsor })
	for _, i := range ms.issues {
		i := i
		snap.Issues = append(snap.Issues, &i)
	}
	sort.Slice(snap.Issues, func(a, b int) bool {
		if snap.Issues[a].Sponsor != snap.Issues[b].Sponsor {
			return snap.Issues[a].Sponsor < snap.Issues[b].Sponsor
		}
		return snap.Issues[a].ID < snap.Issues[b].ID
	})
	for _, b := range ms.bindings {
		snap.Bindings = append(snap.Bindings, b)
	}
	sort.Slice(snap.Bindings, func(i, j int) bool { return snap.Bindings[i].Sponsor < snap.Bindings[j].Sponsor })
	for id := range ms.actionIDs {
		snap.ActionIDs = append(snap.ActionIDs, id)
	}
	sort.Strings(snap.ActionIDs)
	return snap, nil
}

func (ms *MemoryStore) Events(ctx context.Context, after uint64, limit int) ([]model.Event, error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	// seq n lives at index n-1
	if after >= uint64(len(ms.events)) {
		return nil, nil
	}
	end := len(ms.events)
	if limit > 0 && int(after)+limit < end {
		end = int(after) + limit
	}
	out := make([]model.Event, end-int(after))
	copy(out, ms.events[after:end])
	return out, nil
}

func (ms *MemoryStore) Evidence() []model.EvidenceRecord {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	out := make([]model.EvidenceRecord, len(ms.evidence))
	copy(out, ms.evidence)
	return out
}

func (ms *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
