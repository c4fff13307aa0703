package bounty

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/onemorebsmith/bounty-escrow/src/asset"
	"github.com/onemorebsmith/bounty-escrow/src/auth"
	"github.com/onemorebsmith/bounty-escrow/src/eventbus"
	"github.com/onemorebsmith/bounty-escrow/src/journal"
	"github.com/onemorebsmith/bounty-escrow/src/ledger"
	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/onemorebsmith/bounty-escrow/src/replay"
	"github.com/onemorebsmith/bounty-escrow/src/settlement"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	usdc model.AssetKind = "USDC"
	hive model.AssetKind = "HIVE"

	digest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
)

type fixture struct {
	ctx       context.Context
	ledger    *ledger.Ledger
	lifecycle *Lifecycle
	store     *journal.MemoryStore
	events    *eventbus.Recorder
	router    *settlement.StaticRouter
	gate      *auth.Gate
	dir       *asset.MemoryDirectory
	wallet    *asset.MemoryVault
	hacker    *asset.MemoryVault
	hiveAcct  *asset.MemoryVault
}

func newFixture(t *testing.T) *fixture {
	router, err := settlement.NewStaticRouter(settlement.RouterConfig{
		Rates: []settlement.RateConfig{
			{From: string(hive), To: string(usdc), Numerator: 1, Denominator: 1},
			{From: string(usdc), To: string(hive), Numerator: 2, Denominator: 1},
		},
		Liquidity: map[string]uint64{string(usdc): 1_000_000, string(hive): 1_000_000},
	})
	if err != nil {
		t.Fatal(err)
	}
	adapter, err := settlement.NewAdapter(router, 0, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		ctx:      context.Background(),
		store:    journal.NewMemoryStore(),
		events:   &eventbus.Recorder{},
		router:   router,
		gate:     auth.NewGate(auth.Ed25519Verifier{}),
		dir:      asset.NewMemoryDirectory(),
		wallet:   asset.SeedMemoryVault("acme-wallet", hive, 1_000_000),
		hacker:   asset.NewMemoryVault("hacker1", usdc),
		hiveAcct: asset.NewMemoryVault("hacker2", hive),
	}
	for _, v := range []asset.Vault{f.wallet, f.hacker, f.hiveAcct, asset.NewMemoryVault("acme-treasury", usdc)} {
		if err := f.dir.Add(v); err != nil {
			t.Fatal(err)
		}
	}
	f.ledger, err = ledger.New(ledger.Deps{
		SettlementAsset: usdc,
		Adapter:         adapter,
		Store:           f.store,
		Publisher:       f.events,
		Directory:       f.dir,
		Gate:            f.gate,
		Logger:          zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.lifecycle = NewLifecycle(f.ledger, f.gate, replay.NewMemoryGuard(), f.dir, []string{"vault-service"}, zap.NewNop())
	return f
}

func (f *fixture) register(t *testing.T, sponsor model.SponsorID) auth.Capability {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	c, binding, err := f.gate.Prepare(auth.SignRegistration(sponsor, key))
	if err != nil {
		t.Fatal(err)
	}
	err = f.ledger.RegisterPool(f.ctx, ledger.Registration{
		Sponsor:       sponsor,
		Name:          string(sponsor),
		RefundAccount: "acme-treasury",
		Binding:       &binding,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func (f *fixture) fund(t *testing.T, c auth.Capability, sponsor model.SponsorID, amount uint64) {
	in, err := f.wallet.Withdraw(amount)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.Credit(f.ctx, c, sponsor, in); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) submit(t *testing.T, sponsor model.SponsorID, actionID string, account string) model.IssueID {
	id, err := f.lifecycle.Submit(f.ctx, SubmitRequest{
		ActionID:      actionID,
		Sponsor:       sponsor,
		Hacker:        "hacker1",
		Summary:       "XSS bug",
		PayoutAccount: account,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestExampleScenario(t *testing.T) {
	f := newFixture(t)
	c := f.register(t, "acme")
	f.fund(t, c, "acme", 1000)
	if bal, _ := f.ledger.GetPoolBalance("acme"); bal != 1000 {
		t.Fatalf("expected 1000 after funding, got %d", bal)
	}

	id := f.submit(t, "acme", "submit-1", "hacker1")
	if id != 1 {
		t.Fatalf("expected first issue id 1, got %d", id)
	}
	if err := f.lifecycle.Accept(f.ctx, c, "acme", id); err != nil {
		t.Fatal(err)
	}
	if err := f.lifecycle.Pay(f.ctx, c, "acme", id, 200); err != nil {
		t.Fatal(err)
	}
	status, err := f.lifecycle.GetIssueStatus("acme", id)
	if err != nil {
		t.Fatal(err)
	}
	expected := model.IssueStatus{Hacker: "hacker1", Accepted: true, Paid: 200}
	if d := cmp.Diff(expected, status); d != "" {
		t.Fatalf("unexpected status: %s", d)
	}
	if bal, _ := f.ledger.GetPoolBalance("acme"); bal != 800 {
		t.Fatalf("expected 800 after payout, got %d", bal)
	}
	if f.hacker.Balance() != 200 {
		t.Fatalf("hacker should hold 200, has %d", f.hacker.Balance())
	}
	if err := f.lifecycle.SetCompletion(f.ctx, c, "acme", id, true); err != nil {
		t.Fatal(err)
	}
	if n := len(f.events.OfType(model.EventCompletionNotified)); n != 1 {
		t.Fatalf("expected exactly one completion notification, got %d", n)
	}
}

func TestIssueIdsPerSponsor(t *testing.T) {
	f := newFixture(t)
	f.register(t, "acme")
	f.register(t, "globex")
	for i, expected := range []model.IssueID{1, 2, 3} {
		if id := f.submit(t, "acme", "a"+string(rune('0'+i)), "hacker1"); id != expected {
			t.Fatalf("acme: expected %d, got %d", expected, id)
		}
	}
	if id := f.submit(t, "globex", "g0", "hacker1"); id != 1 {
		t.Fatalf("globex ids start at 1, got %d", id)
	}
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t)
	c := f.register(t, "acme")

	cases := []struct {
		name     string
		req      SubmitRequest
		expected error
	}{
		{"unknown sponsor", SubmitRequest{ActionID: "x1", Sponsor: "nobody", Hacker: "h", Summary: "s", PayoutAccount: "hacker1"}, model.ErrNotFound},
		{"unknown account", SubmitRequest{ActionID: "x2", Sponsor: "acme", Hacker: "h", Summary: "s", PayoutAccount: "nowhere"}, model.ErrNotFound},
		{"empty hacker", SubmitRequest{ActionID: "x3", Sponsor: "acme", Summary: "s", PayoutAccount: "hacker1"}, model.ErrInvalidArgument},
		{"empty summary", SubmitRequest{ActionID: "x4", Sponsor: "acme", Hacker: "h", Summary: "  ", PayoutAccount: "hacker1"}, model.ErrInvalidArgument},
		{"empty action", SubmitRequest{Sponsor: "acme", Hacker: "h", Summary: "s", PayoutAccount: "hacker1"}, model.ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.lifecycle.Submit(f.ctx, tc.req); !errors.Is(err, tc.expected) {
				t.Fatalf("expected %s, got %v", tc.expected, err)
			}
		})
	}

	if _, err := f.ledger.ClosePool(f.ctx, c, "acme"); err != nil {
		t.Fatal(err)
	}
	_, err := f.lifecycle.Submit(f.ctx, SubmitRequest{ActionID: "late", Sponsor: "acme", Hacker: "h", Summary: "s", PayoutAccount: "hacker1"})
	if !errors.Is(err, model.ErrPoolClosed) {
		t.Fatalf("expected pool closed, got %v", err)
	}
	// the rejected submission must not burn its action id
	f.register(t, "globex")
	if _, err := f.lifecycle.Submit(f.ctx, SubmitRequest{ActionID: "late", Sponsor: "globex", Hacker: "h", Summary: "s", PayoutAccount: "hacker1"}); err != nil {
		t.Fatalf("action id of a rejected submission should be reusable: %s", err)
	}
}

func TestReplaySafety(t *testing.T) {
	f := newFixture(t)
	f.register(t, "acme")
	f.submit(t, "acme", "dup", "hacker1")

	before, _ := f.store.Load(f.ctx)
	eventsBefore := len(f.events.Events())
	_, err := f.lifecycle.Submit(f.ctx, SubmitRequest{ActionID: "dup", Sponsor: "acme", Hacker: "h2", Summary: "other", PayoutAccount: "hacker2"})
	if !errors.Is(err, model.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	after, _ := f.store.Load(f.ctx)
	if d := cmp.Diff(before, after); d != "" {
		t.Fatalf("state changed after replay: %s", d)
	}
	if len(f.events.Events()) != eventsBefore {
		t.Fatalf("replay must not emit events")
	}
	if _, err := f.lifecycle.GetIssue("acme", 2); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("replayed submission must not create an issue, got %v", err)
	}
}

// cancelAwareGuard fails Release on a done context the way a redis round trip does
type cancelAwareGuard struct {
	replay.Guard
}

func (g cancelAwareGuard) Release(ctx context.Context, actionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.Guard.Release(ctx, actionID)
}

func TestActionIdReleasedAfterCancelledRequest(t *testing.T) {
	f := newFixture(t)
	f.register(t, "acme")
	f.lifecycle.guard = cancelAwareGuard{replay.NewMemoryGuard()}

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	f.store.FailNextCommit(errors.New("connection reset"))
	_, err := f.lifecycle.Submit(ctx, SubmitRequest{ActionID: "s1", Sponsor: "acme", Hacker: "h", Summary: "IDOR", PayoutAccount: "hacker1"})
	if err == nil {
		t.Fatal("expected the submission to fail")
	}

	id, err := f.lifecycle.Submit(f.ctx, SubmitRequest{ActionID: "s1", Sponsor: "acme", Hacker: "h", Summary: "IDOR", PayoutAccount: "hacker1"})
	if err != nil {
		t.Fatalf("uncommitted action id should be reusable, got %v", err)
	}
	if id != 1 {
		t.Fatalf("expected issue 1, got %d", id)
	}
}

func TestPayOrdering(t *testing.T) {
	f := newFixture(t)
	c := f.register(t, "acme")
	f.fund(t, c, "acme", 100)
	id := f.submit(t, "acme", "s1", "hacker1")

	if err := f.lifecycle.Pay(f.ctx, c, "acme", id, 10); !errors.Is(err, model.ErrNotAccepted) {
		t.Fatalf("expected not accepted, got %v", err)
	}
	if model.KindOf(errors.Wrap(model.ErrNotAccepted, "x")) != "NotAccepted" {
		t.Fatalf("not accepted should surface verbatim")
	}
	if err := f.lifecycle.Accept(f.ctx, c, "acme", id); err != nil {
		t.Fatal(err)
	}
	if err := f.lifecycle.Accept(f.ctx, c, "acme", id); err != nil {
		t.Fatalf("re-accept should be a no-op, got %s", err)
	}
	if n := len(f.events.OfType(model.EventIssueAccepted)); n != 1 {
		t.Fatalf("re-accept must not emit, got %d accept events", n)
	}
	if err := f.lifecycle.Pay(f.ctx, c, "acme", id, 0); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for zero pay, got %v", err)
	}
	if err := f.lifecycle.Pay(f.ctx, c, "acme", id, 101); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := f.lifecycle.Pay(f.ctx, c, "acme", id, 60); err != nil {
		t.Fatal(err)
	}
	if err := f.lifecycle.Pay(f.ctx, c, "acme", id, 40); err != nil {
		t.Fatal(err)
	}
	status, _ := f.lifecycle.GetIssueStatus("acme", id)
	if status.Paid != 100 {
		t.Fatalf("paid should accumulate to 100, got %d", status.Paid)
	}
}

func TestUnauthorizedHasNoEffect(t *testing.T) {
	f := newFixture(t)
	c := f.register(t, "acme")
	intruder := f.register(t, "globex")
	f.fund(t, c, "acme", 100)
	id := f.submit(t, "acme", "s1", "hacker1")

	if err := f.lifecycle.Accept(f.ctx, intruder, "acme", id); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := f.lifecycle.Accept(f.ctx, auth.Capability{}, "acme", id); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for missing capability, got %v", err)
	}
	if err := f.lifecycle.Accept(f.ctx, c, "acme", id); err != nil {
		t.Fatal(err)
	}
	if err := f.lifecycle.Pay(f.ctx, intruder, "acme", id, 50); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := f.lifecycle.SetCompletion(f.ctx, intruder, "acme", id, true); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	issue, _ := f.lifecycle.GetIssue("acme", id)
	if issue.Paid != 0 || issue.Completed {
		t.Fatalf("unauthorized calls changed the issue: %+v", issue)
	}
	if bal, _ := f.ledger.GetPoolBalance("acme"); bal != 100 {
		t.Fatalf("unauthorized pay moved funds, balance %d", bal)
	}
}

func TestNotificationFiresOnce(t *testing.T) {
	f := newFixture(t)
	c := f.register(t, "acme")
	f.fund(t, c, "acme", 500)
	id := f.submit(t, "acme", "s1", "hacker1")
	if err := f.lifecycle.Accept(f.ctx, c, "acme", id); err != nil {
		t.Fatal(err)
	}
	if err := f.lifecycle.Pay(f.ctx, c, "acme", id, 50); err != nil {
		t.Fatal(err)
	}
	for _, completed := range []bool{true, true, false, true, false, true} {
		if err := f.lifecycle.SetCompletion(f.ctx, c, "acme", id, completed); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.lifecycle.Pay(f.ctx, c, "acme", id, 5); err != nil {
		t.Fatal(err)
	}
	notified := f.events.OfType(model.EventCompletionNotified)
	if len(notified) != 1 {
		t.Fatalf("expected one notification, got %d", len(notified))
	}
	if notified[0].Issue != id || notified[0].Amount != 50 {
		t.Fatalf("unexpected notification %+v", notified[0])
	}
}

func TestNotificationOnPayAfterCompletion(t *testing.T) {
	f := newFixture(t)
	c := f.register(t, "acme")
	f.fund(t, c, "acme", 500)
	id := f.submit(t, "acme", "s1", "hacker1")
	if err := f.lifecycle.SetCompletion(f.ctx, c, "acme", id, true); err != nil {
		t.Fatal(err)
	}
	if len(f.events.OfType(model.EventCompletionNotified)) != 0 {
		t.Fatalf("nothing paid yet, no notification expected")
	}
	if err := f.lifecycle.Accept(f.ctx, c, "acme", id); err != nil {
		t.Fatal(err)
	}
	if err := f.lifecycle.Pay(f.ctx, c, "acme", id, 25); err != nil {
		t.Fatal(err)
	}
	if err := f.lifecycle.Pay(f.ctx, c, "acme", id, 25); err != nil {
		t.Fatal(err)
	}
	if n := len(f.events.OfType(model.EventCompletionNotified)); n != 1 {
		t.Fatalf("expected one notification, got %d", n)
	}
	issue, _ := f.lifecycle.GetIssue("acme", id)
	if !issue.Notified {
		t.Fatalf("issue should be marked notified")
	}
}

func TestPayInAnotherAsset(t *testing.T) {
	f := newFixture(t)
	c := f.register(t, "acme")
	f.fund(t, c, "acme", 1000)
	id := f.submit(t, "acme", "s1", "hacker2")
	if err := f.lifecycle.Accept(f.ctx, c, "acme", id); err != nil {
		t.Fatal(err)
	}

	f.router.SetSlippage(1000)
	if err := f.lifecycle.Pay(f.ctx, c, "acme", id, 100); err != nil {
		t.Fatal(err)
	}
	// quote is 200 HIVE, execution delivers 10% less
	if f.hiveAcct.Balance() != 180 {
		t.Fatalf("expected measured 180 HIVE delivered, got %d", f.hiveAcct.Balance())
	}
	status, _ := f.lifecycle.GetIssueStatus("acme", id)
	if status.Paid != 100 {
		t.Fatalf("paid is counted in settlement units, expected 100 got %d", status.Paid)
	}
	if bal, _ := f.ledger.GetPoolBalance("acme"); bal != 900 {
		t.Fatalf("expected 900, got %d", bal)
	}

	f.router.SetHalted(true)
	err := f.lifecycle.Pay(f.ctx, c, "acme", id, 100)
	if !errors.Is(err, model.ErrExecutionFailed) || !model.Retryable(err) {
		t.Fatalf("expected retryable execution failure, got %v", err)
	}
	recorded, held, _ := f.ledger.Audit("acme")
	if recorded != 900 || held != 900 {
		t.Fatalf("failed conversion must roll the debit back, recorded %d held %d", recorded, held)
	}
	status, _ = f.lifecycle.GetIssueStatus("acme", id)
	if status.Paid != 100 {
		t.Fatalf("failed pay must not change paid, got %d", status.Paid)
	}
}

func TestPayoutDestinationIsCaptured(t *testing.T) {
	f := newFixture(t)
	c := f.register(t, "acme")
	f.fund(t, c, "acme", 100)
	id := f.submit(t, "acme", "s1", "hacker1")
	if err := f.lifecycle.Accept(f.ctx, c, "acme", id); err != nil {
		t.Fatal(err)
	}
	// resubmitting with another account yields a new issue, never a redirect
	other := f.submit(t, "acme", "s2", "hacker2")
	if other == id {
		t.Fatalf("resubmission must not reuse the issue id")
	}
	if err := f.lifecycle.Pay(f.ctx, c, "acme", id, 30); err != nil {
		t.Fatal(err)
	}
	issue, _ := f.lifecycle.GetIssue("acme", id)
	if issue.PayoutAccount != "hacker1" || f.hacker.Balance() != 30 || f.hiveAcct.Balance() != 0 {
		t.Fatalf("payout went somewhere other than the captured account")
	}
}

func TestPayOnClosedPool(t *testing.T) {
	f := newFixture(t)
	c := f.register(t, "acme")
	f.fund(t, c, "acme", 100)
	id := f.submit(t, "acme", "s1", "hacker1")
	if err := f.lifecycle.Accept(f.ctx, c, "acme", id); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.ClosePool(f.ctx, c, "acme"); err != nil {
		t.Fatal(err)
	}
	if err := f.lifecycle.Pay(f.ctx, c, "acme", id, 1); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("expected invalid state on closed pool, got %v", err)
	}
}

func TestRecordEvidence(t *testing.T) {
	f := newFixture(t)
	f.register(t, "acme")
	id := f.submit(t, "acme", "s1", "hacker1")

	req := EvidenceRequest{ActionID: "ev1", Sponsor: "acme", Issue: id, Reporter: "vault-service", Digest: digest}
	if err := f.lifecycle.RecordEvidence(f.ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := f.lifecycle.RecordEvidence(f.ctx, req); !errors.Is(err, model.ErrAlreadyExists) {
		t.Fatalf("expected already exists on replayed evidence, got %v", err)
	}

	bad := req
	bad.ActionID, bad.Reporter = "ev2", "random"
	if err := f.lifecycle.RecordEvidence(f.ctx, bad); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("expected unauthorized reporter, got %v", err)
	}
	bad = req
	bad.ActionID, bad.Digest = "ev3", "abc"
	if err := f.lifecycle.RecordEvidence(f.ctx, bad); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("expected invalid digest, got %v", err)
	}
	bad = req
	bad.ActionID, bad.Issue = "ev4", 99
	if err := f.lifecycle.RecordEvidence(f.ctx, bad); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found issue, got %v", err)
	}

	upper := req
	upper.ActionID, upper.Digest = "ev5", strings.ToUpper(digest)
	if err := f.lifecycle.RecordEvidence(f.ctx, upper); err != nil {
		t.Fatal(err)
	}
	evidence := f.store.Evidence()
	if len(evidence) != 2 || evidence[1].Digest != digest {
		t.Fatalf("unexpected evidence records %+v", evidence)
	}
	if n := len(f.events.OfType(model.EventEvidenceLogged)); n != 2 {
		t.Fatalf("expected 2 evidence events, got %d", n)
	}
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	c := f.register(t, "acme")
	f.fund(t, c, "acme", 100)
	id := f.submit(t, "acme", "s1", "hacker1")
	if err := f.lifecycle.Accept(f.ctx, c, "acme", id); err != nil {
		t.Fatal(err)
	}
	snap, err := f.store.Load(f.ctx)
	if err != nil {
		t.Fatal(err)
	}

	fresh := NewLifecycle(f.ledger, f.gate, replay.NewMemoryGuard(), f.dir, nil, zap.NewNop())
	if err := fresh.Restore(snap.Issues); err != nil {
		t.Fatal(err)
	}
	restored, err := fresh.GetIssue("acme", id)
	if err != nil {
		t.Fatal(err)
	}
	original, _ := f.lifecycle.GetIssue("acme", id)
	if d := cmp.Diff(original, restored); d != "" {
		t.Fatalf("restored issue differs: %s", d)
	}
}
