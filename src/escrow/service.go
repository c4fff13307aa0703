package escrow

import (
	"context"

	"github.com/onemorebsmith/bounty-escrow/src/asset"
	"github.com/onemorebsmith/bounty-escrow/src/auth"
	"github.com/onemorebsmith/bounty-escrow/src/bounty"
	"github.com/onemorebsmith/bounty-escrow/src/eventbus"
	"github.com/onemorebsmith/bounty-escrow/src/journal"
	"github.com/onemorebsmith/bounty-escrow/src/ledger"
	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/onemorebsmith/bounty-escrow/src/replay"
	"github.com/onemorebsmith/bounty-escrow/src/settlement"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Config struct {
	SettlementAsset   string   `yaml:"settlement_asset"`
	MaxSlippageBps    uint32   `yaml:"max_slippage_bps"`
	EvidenceAllowlist []string `yaml:"evidence_allowlist"`
}

// Service ties the gate, ledger and issue lifecycle together behind one
// surface. Every mutating call except Register and Submit takes the
// sponsor's capability.
type Service struct {
	gate      *auth.Gate
	ledger    *ledger.Ledger
	lifecycle *bounty.Lifecycle
	store     journal.Store
	guard     replay.Guard
	directory asset.Directory
	logger    *zap.Logger
}

type Backends struct {
	Router    settlement.Router
	Store     journal.Store
	Guard     replay.Guard
	Publisher eventbus.Publisher
	Directory asset.Directory
	// optional, pool vaults default to in-memory vaults
	NewVault ledger.VaultFactory
}

func New(cfg Config, backends Backends, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	adapter, err := settlement.NewAdapter(backends.Router, cfg.MaxSlippageBps, logger)
	if err != nil {
		return nil, err
	}
	gate := auth.NewGate(auth.Ed25519Verifier{})
	l, err := ledger.New(ledger.Deps{
		SettlementAsset: model.AssetKind(cfg.SettlementAsset),
		Adapter:         adapter,
		Store:           backends.Store,
		Publisher:       backends.Publisher,
		Directory:       backends.Directory,
		Gate:            gate,
		NewVault:        backends.NewVault,
		Logger:          logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed creating ledger")
	}
	if backends.Guard == nil {
		backends.Guard = replay.NewMemoryGuard()
	}
	return &Service{
		gate:      gate,
		ledger:    l,
		lifecycle: bounty.NewLifecycle(l, gate, backends.Guard, backends.Directory, cfg.EvidenceAllowlist, logger),
		store:     backends.Store,
		guard:     backends.Guard,
		directory: backends.Directory,
		logger:    logger.With(zap.String("component", "escrow")),
	}, nil
}

// Restore rebuilds in-memory state from the journal. Call once before serving.
func (s *Service) Restore(ctx context.Context) error {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "failed loading journal")
	}
	for _, b := range snap.Bindings {
		if err := s.gate.Bind(b); err != nil {
			return errors.Wrapf(err, "restoring binding for %s", b.Sponsor)
		}
	}
	if err := s.ledger.Restore(snap.Pools); err != nil {
		return err
	}
	if err := s.lifecycle.Restore(snap.Issues); err != nil {
		return err
	}
	if err := s.guard.Restore(ctx, snap.ActionIDs); err != nil {
		return errors.Wrap(err, "failed restoring action ids")
	}
	s.logger.Info("restored from journal", zap.Int("pools", len(snap.Pools)),
		zap.Int("issues", len(snap.Issues)), zap.Uint64("last_seq", snap.LastSeq))
	return nil
}

type RegisterRequest struct {
	Proof         auth.IdentityProof
	Name          string
	DefaultPayout int64
	RefundAccount string
}

// Register binds a capability to the proven identity and opens its pool in
// one journaled step. The capability is only live once both are durable.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (auth.Capability, error) {
	c, binding, err := s.gate.Prepare(req.Proof)
	if err != nil {
		return auth.Capability{}, err
	}
	err = s.ledger.RegisterPool(ctx, ledger.Registration{
		Sponsor:       req.Proof.Sponsor,
		Name:          req.Name,
		DefaultPayout: req.DefaultPayout,
		RefundAccount: req.RefundAccount,
		Binding:       &binding,
	})
	if err != nil {
		return auth.Capability{}, err
	}
	return c, nil
}

func (s *Service) Credit(ctx context.Context, c auth.Capability, sponsor model.SponsorID, in *asset.Bucket) (uint64, error) {
	return s.ledger.Credit(ctx, c, sponsor, in)
}

// CreditFromAccount withdraws amount from an external account owned by the
// sponsor and credits it. Whatever the credit does not consume goes back to
// the account.
func (s *Service) CreditFromAccount(ctx context.Context, c auth.Capability, sponsor model.SponsorID, account string, amount uint64) (uint64, error) {
	if err := s.gate.Require(c, sponsor); err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, errors.Wrap(model.ErrInvalidArgument, "credit of zero amount")
	}
	owner, err := s.directory.Owner(account)
	if err != nil {
		return 0, errors.Wrap(err, "funding account")
	}
	if owner != sponsor {
		return 0, errors.Wrapf(model.ErrUnauthorized, "account %s is not owned by %s", account, sponsor)
	}
	from, err := s.directory.Resolve(account)
	if err != nil {
		return 0, errors.Wrap(err, "funding account")
	}
	in, err := from.Withdraw(amount)
	if err != nil {
		return 0, errors.Wrapf(err, "funding account %s", account)
	}
	credited, err := s.ledger.Credit(ctx, c, sponsor, in)
	if !in.IsEmpty() {
		if returnErr := from.Deposit(in); returnErr != nil {
			s.logger.Error("failed returning unconsumed funds", zap.String("account", account),
				zap.Uint64("amount", in.Amount()), zap.Error(returnErr))
		}
	}
	return credited, err
}

func (s *Service) ClosePool(ctx context.Context, c auth.Capability, sponsor model.SponsorID) (uint64, error) {
	return s.ledger.ClosePool(ctx, c, sponsor)
}

func (s *Service) Submit(ctx context.Context, req bounty.SubmitRequest) (model.IssueID, error) {
	return s.lifecycle.Submit(ctx, req)
}

func (s *Service) Accept(ctx context.Context, c auth.Capability, sponsor model.SponsorID, id model.IssueID) error {
	return s.lifecycle.Accept(ctx, c, sponsor, id)
}

func (s *Service) Pay(ctx context.Context, c auth.Capability, sponsor model.SponsorID, id model.IssueID, amount uint64) error {
	return s.lifecycle.Pay(ctx, c, sponsor, id, amount)
}

func (s *Service) SetCompletion(ctx context.Context, c auth.Capability, sponsor model.SponsorID, id model.IssueID, completed bool) error {
	return s.lifecycle.SetCompletion(ctx, c, sponsor, id, completed)
}

func (s *Service) RecordEvidence(ctx context.Context, req bounty.EvidenceRequest) error {
	return s.lifecycle.RecordEvidence(ctx, req)
}

func (s *Service) GetPoolBalance(sponsor model.SponsorID) (uint64, error) {
	return s.ledger.GetPoolBalance(sponsor)
}

func (s *Service) GetPool(sponsor model.SponsorID) (model.SponsorPool, error) {
	return s.ledger.GetPool(sponsor)
}

func (s *Service) GetIssueStatus(sponsor model.SponsorID, id model.IssueID) (model.IssueStatus, error) {
	return s.lifecycle.GetIssueStatus(sponsor, id)
}

func (s *Service) Events(ctx context.Context, after uint64, limit int) ([]model.Event, error) {
	return s.ledger.Events(ctx, after, limit)
}

func (s *Service) Quote(ctx context.Context, from, to model.AssetKind, amount uint64) (uint64, error) {
	return s.ledger.Quote(ctx, from, to, amount)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
