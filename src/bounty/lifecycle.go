package bounty

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/onemorebsmith/bounty-escrow/src/asset"
	"github.com/onemorebsmith/bounty-escrow/src/auth"
	"github.com/onemorebsmith/bounty-escrow/src/journal"
	"github.com/onemorebsmith/bounty-escrow/src/ledger"
	"github.com/onemorebsmith/bounty-escrow/src/metrics"
	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/onemorebsmith/bounty-escrow/src/replay"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// entry pairs an issue with the receiver resolved from its payout account at
// submission. Nothing after Submit can replace either.
type entry struct {
	issue  model.Issue
	payout asset.Receiver
}

type book struct {
	lock    sync.RWMutex
	entries map[model.IssueID]*entry
}

func (b *book) get(id model.IssueID) (*entry, model.Issue, bool) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	e, ok := b.entries[id]
	if !ok {
		return nil, model.Issue{}, false
	}
	return e, e.issue, true
}

func (b *book) put(e *entry, issue model.Issue) {
	b.lock.Lock()
	defer b.lock.Unlock()
	e.issue = issue
	b.entries[issue.ID] = e
}

type Lifecycle struct {
	ledger    *ledger.Ledger
	gate      *auth.Gate
	guard     replay.Guard
	directory asset.Directory
	allowlist map[string]struct{}
	logger    *zap.Logger

	lock  sync.Mutex
	books map[model.SponsorID]*book
}

func NewLifecycle(l *ledger.Ledger, gate *auth.Gate, guard replay.Guard, directory asset.Directory,
	evidenceAllowlist []string, logger *zap.Logger) *Lifecycle {
	allow := map[string]struct{}{}
	for _, r := range evidenceAllowlist {
		allow[r] = struct{}{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		ledger:    l,
		gate:      gate,
		guard:     guard,
		directory: directory,
		allowlist: allow,
		logger:    logger.With(zap.String("component", "bounty")),
		books:     map[model.SponsorID]*book{},
	}
}

func (lc *Lifecycle) book(sponsor model.SponsorID) *book {
	lc.lock.Lock()
	defer lc.lock.Unlock()
	b, ok := lc.books[sponsor]
	if !ok {
		b = &book{entries: map[model.IssueID]*entry{}}
		lc.books[sponsor] = b
	}
	return b
}

func (lc *Lifecycle) lookup(sponsor model.SponsorID, id model.IssueID) (*entry, model.Issue, error) {
	e, issue, ok := lc.book(sponsor).get(id)
	if !ok {
		return nil, model.Issue{}, errors.Wrapf(model.ErrNotFound, "issue %s/%d", sponsor, id)
	}
	return e, issue, nil
}

const releaseTimeout = 5 * time.Second

// claim marks the action id used and returns a func that gives it back unless
// the operation committed
func (lc *Lifecycle) claim(ctx context.Context, actionID string) (func(*error), error) {
	if err := lc.guard.Claim(ctx, actionID); err != nil {
		return nil, err
	}
	return func(errp *error) {
		if *errp == nil {
			return
		}
		// the request context may already be cancelled
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := lc.guard.Release(releaseCtx, actionID); err != nil {
			lc.logger.Warn("failed releasing action id", zap.String("action_id", actionID), zap.Error(err))
		}
	}, nil
}

type SubmitRequest struct {
	ActionID      string
	Sponsor       model.SponsorID
	Hacker        model.HackerID
	Summary       string
	PayoutAccount string
}

// Submit files a new issue against an open pool. The payout account is
// resolved and captured here; ids start at 1 and increase per sponsor.
func (lc *Lifecycle) Submit(ctx context.Context, req SubmitRequest) (id model.IssueID, err error) {
	if req.Hacker == "" {
		return 0, errors.Wrap(model.ErrInvalidArgument, "empty hacker id")
	}
	if strings.TrimSpace(req.Summary) == "" {
		return 0, errors.Wrap(model.ErrInvalidArgument, "empty summary")
	}
	payout, err := lc.directory.Resolve(req.PayoutAccount)
	if err != nil {
		return 0, errors.Wrap(err, "payout account")
	}
	if _, err := lc.ledger.GetPool(req.Sponsor); err != nil {
		return 0, err
	}
	if payout.Kind() != lc.ledger.SettlementAsset() {
		if _, err := lc.ledger.Quote(ctx, lc.ledger.SettlementAsset(), payout.Kind(), 1); err != nil {
			return 0, errors.Wrapf(err, "payout account %s", req.PayoutAccount)
		}
	}
	release, err := lc.claim(ctx, req.ActionID)
	if err != nil {
		return 0, err
	}
	defer release(&err)

	b := lc.book(req.Sponsor)
	err = lc.ledger.Update(ctx, req.Sponsor, "submit", func(tx *ledger.Tx) error {
		if pool := tx.Pool(); !pool.IsOpen() {
			return errors.Wrapf(model.ErrPoolClosed, "submit to %s", req.Sponsor)
		}
		now := time.Now().UTC()
		id = tx.NextIssueID()
		issue := model.Issue{
			Sponsor:       req.Sponsor,
			ID:            id,
			Hacker:        req.Hacker,
			Summary:       req.Summary,
			PayoutAccount: payout.ID(),
			PayoutKind:    payout.Kind(),
			Submitted:     now,
			Updated:       now,
		}
		tx.Stage(journal.Batch{
			Issues:    []model.Issue{issue},
			ActionIDs: []string{req.ActionID},
		})
		tx.Emit(model.NewEvent(model.EventIssueSubmitted, req.Sponsor, id, 0).
			With("hacker", string(req.Hacker)).
			With("action_id", req.ActionID))
		tx.OnCommit(func() {
			b.put(&entry{payout: payout}, issue)
		})
		return nil
	})
	if err != nil {
		lc.logger.Warn("rejected submission", zap.String("sponsor", string(req.Sponsor)),
			zap.String("action_id", req.ActionID), zap.Error(err))
		return 0, err
	}
	lc.logger.Info("issue submitted", zap.String("sponsor", string(req.Sponsor)),
		zap.Uint64("issue", uint64(id)), zap.String("hacker", string(req.Hacker)))
	return id, nil
}

// Accept marks an issue accepted. Accepting twice is a no-op so retried
// requests succeed.
func (lc *Lifecycle) Accept(ctx context.Context, c auth.Capability, sponsor model.SponsorID, id model.IssueID) error {
	if err := lc.gate.Require(c, sponsor); err != nil {
		metrics.RecordOperation("accept", model.KindOf(err))
		return err
	}
	return lc.ledger.Update(ctx, sponsor, "accept", func(tx *ledger.Tx) error {
		e, issue, err := lc.lookup(sponsor, id)
		if err != nil {
			return err
		}
		if issue.Accepted {
			return nil
		}
		issue.Accepted = true
		issue.Updated = time.Now().UTC()
		lc.stage(tx, e, issue)
		tx.Emit(model.NewEvent(model.EventIssueAccepted, sponsor, id, 0))
		return nil
	})
}

// Pay debits amount from the pool and sends it to the issue's captured payout
// account, converted if that account holds another asset. Paid accumulates
// the debited settlement amount, not the converted output.
func (lc *Lifecycle) Pay(ctx context.Context, c auth.Capability, sponsor model.SponsorID, id model.IssueID, amount uint64) error {
	if err := lc.gate.Require(c, sponsor); err != nil {
		metrics.RecordOperation("pay", model.KindOf(err))
		return err
	}
	err := lc.ledger.Update(ctx, sponsor, "pay", func(tx *ledger.Tx) error {
		if amount == 0 {
			return errors.Wrap(model.ErrInvalidArgument, "pay of zero amount")
		}
		e, issue, err := lc.lookup(sponsor, id)
		if err != nil {
			return err
		}
		if !issue.Accepted {
			return errors.Wrapf(model.ErrNotAccepted, "pay issue %s/%d", sponsor, id)
		}
		if issue.Paid+amount < issue.Paid {
			return errors.Wrap(model.ErrInvalidArgument, "paid overflow")
		}
		bucket, err := tx.Debit(amount)
		if err != nil {
			return err
		}
		if err := tx.Payout(bucket, e.payout); err != nil {
			return err
		}
		issue.Paid += amount
		issue.Updated = time.Now().UTC()
		tx.Emit(model.NewEvent(model.EventBountyPaid, sponsor, id, amount).
			With("payout_account", issue.PayoutAccount).
			With("payout_asset", string(issue.PayoutKind)))
		lc.notify(tx, &issue)
		lc.stage(tx, e, issue)
		tx.OnCommit(func() {
			metrics.RecordBountyPaid(string(sponsor), amount)
		})
		return nil
	})
	if err != nil {
		lc.logger.Warn("rejected payment", zap.String("sponsor", string(sponsor)),
			zap.Uint64("issue", uint64(id)), zap.Uint64("amount", amount), zap.Error(err))
		return err
	}
	lc.logger.Info("bounty paid", zap.String("sponsor", string(sponsor)),
		zap.Uint64("issue", uint64(id)), zap.Uint64("amount", amount))
	return nil
}

// SetCompletion flips the completed flag. The completion notification fires
// at most once per issue, on whichever call first sees completed && paid > 0.
func (lc *Lifecycle) SetCompletion(ctx context.Context, c auth.Capability, sponsor model.SponsorID, id model.IssueID, completed bool) error {
	if err := lc.gate.Require(c, sponsor); err != nil {
		metrics.RecordOperation("set_completion", model.KindOf(err))
		return err
	}
	return lc.ledger.Update(ctx, sponsor, "set_completion", func(tx *ledger.Tx) error {
		e, issue, err := lc.lookup(sponsor, id)
		if err != nil {
			return err
		}
		if issue.Completed == completed {
			return nil
		}
		issue.Completed = completed
		issue.Updated = time.Now().UTC()
		tx.Emit(model.NewEvent(model.EventCompletionSet, sponsor, id, 0).
			With("completed", fmt.Sprintf("%t", completed)))
		lc.notify(tx, &issue)
		lc.stage(tx, e, issue)
		return nil
	})
}

func (lc *Lifecycle) notify(tx *ledger.Tx, issue *model.Issue) {
	if !issue.ShouldNotify() {
		return
	}
	issue.Notified = true
	tx.Emit(model.NewEvent(model.EventCompletionNotified, issue.Sponsor, issue.ID, issue.Paid).
		With("hacker", string(issue.Hacker)))
}

func (lc *Lifecycle) stage(tx *ledger.Tx, e *entry, issue model.Issue) {
	b := lc.book(issue.Sponsor)
	tx.Stage(journal.Batch{Issues: []model.Issue{issue}})
	tx.OnCommit(func() {
		b.put(e, issue)
	})
}

type EvidenceRequest struct {
	ActionID string
	Sponsor  model.SponsorID
	Issue    model.IssueID
	Reporter string
	Digest   string // hex sha256 of the encrypted payload held off-ledger
}

// RecordEvidence logs that an allowlisted reporter stored evidence for an
// issue. Each action id is accepted once.
func (lc *Lifecycle) RecordEvidence(ctx context.Context, req EvidenceRequest) (err error) {
	if _, ok := lc.allowlist[req.Reporter]; !ok {
		err = errors.Wrapf(model.ErrUnauthorized, "reporter %q not on evidence allowlist", req.Reporter)
		metrics.RecordOperation("evidence", model.KindOf(err))
		return err
	}
	if raw, decodeErr := hex.DecodeString(req.Digest); decodeErr != nil || len(raw) != 32 {
		return errors.Wrapf(model.ErrInvalidArgument, "digest %q is not a hex sha256", req.Digest)
	}
	if _, _, err := lc.lookup(req.Sponsor, req.Issue); err != nil {
		return err
	}
	release, err := lc.claim(ctx, req.ActionID)
	if err != nil {
		return err
	}
	defer release(&err)

	return lc.ledger.Update(ctx, req.Sponsor, "evidence", func(tx *ledger.Tx) error {
		tx.Stage(journal.Batch{
			Evidence: []model.EvidenceRecord{{
				Sponsor:  req.Sponsor,
				Issue:    req.Issue,
				ActionID: req.ActionID,
				Reporter: req.Reporter,
				Digest:   strings.ToLower(req.Digest),
				Recorded: time.Now().UTC(),
			}},
			ActionIDs: []string{req.ActionID},
		})
		tx.Emit(model.NewEvent(model.EventEvidenceLogged, req.Sponsor, req.Issue, 0).
			With("reporter", req.Reporter).
			With("digest", strings.ToLower(req.Digest)))
		return nil
	})
}

func (lc *Lifecycle) GetIssue(sponsor model.SponsorID, id model.IssueID) (model.Issue, error) {
	if _, err := lc.ledger.GetPool(sponsor); err != nil {
		return model.Issue{}, err
	}
	_, issue, err := lc.lookup(sponsor, id)
	return issue, err
}

func (lc *Lifecycle) GetIssueStatus(sponsor model.SponsorID, id model.IssueID) (model.IssueStatus, error) {
	issue, err := lc.GetIssue(sponsor, id)
	if err != nil {
		return model.IssueStatus{}, err
	}
	return issue.Status(), nil
}

// Restore loads journaled issues, re-resolving each captured payout account
func (lc *Lifecycle) Restore(issues []*model.Issue) error {
	for _, issue := range issues {
		payout, err := lc.directory.Resolve(issue.PayoutAccount)
		if err != nil {
			return errors.Wrapf(err, "restoring issue %s/%d", issue.Sponsor, issue.ID)
		}
		if payout.Kind() != issue.PayoutKind {
			return errors.Wrapf(model.ErrInvalidState, "payout account %s now holds %s, issue captured %s",
				issue.PayoutAccount, payout.Kind(), issue.PayoutKind)
		}
		lc.book(issue.Sponsor).put(&entry{payout: payout}, *issue)
	}
	return nil
}
