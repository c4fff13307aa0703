package settlement

import (
	"context"
	"fmt"

	"github.com/onemorebsmith/bounty-escrow/src/asset"
	"github.com/onemorebsmith/bounty-escrow/src/metrics"
	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Router is the external price discovery / execution engine.
//
// Swap takes ownership of the whole input bucket and deposits the output into
// dest. It is all-or-nothing: on any error the input bucket must be left
// untouched and nothing is deposited. A router must fail with
// ErrExecutionFailed rather than deliver less than minOut.
type Router interface {
	Quote(ctx context.Context, from, to model.AssetKind, amount uint64) (uint64, error)
	Swap(ctx context.Context, in *asset.Bucket, to model.AssetKind, minOut uint64, dest asset.Receiver) error
}

const bpsDenominator = 10000

type Adapter struct {
	router         Router
	maxSlippageBps uint32
	logger         *zap.Logger
}

func NewAdapter(router Router, maxSlippageBps uint32, logger *zap.Logger) (*Adapter, error) {
	if maxSlippageBps >= bpsDenominator {
		return nil, errors.Wrapf(model.ErrInvalidArgument, "max slippage %d bps leaves no output", maxSlippageBps)
	}
	return &Adapter{
		router:         router,
		maxSlippageBps: maxSlippageBps,
		logger:         logger.With(zap.String("component", "settlement_adapter")),
	}, nil
}

// Quote is advisory and must never be used for accounting
func (a *Adapter) Quote(ctx context.Context, from, to model.AssetKind, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, errors.Wrap(model.ErrInvalidArgument, "quote of zero amount")
	}
	if from == to {
		return amount, nil
	}
	return a.router.Quote(ctx, from, to, amount)
}

func (a *Adapter) minOut(quoted uint64) uint64 {
	if a.maxSlippageBps == 0 {
		return 0
	}
	return mulDiv(quoted, bpsDenominator-uint64(a.maxSlippageBps), bpsDenominator)
}

// Execute converts the entire input bucket into `to` and deposits the result
// into dest. The returned amount is the measured change of dest's balance, not
// the router's quote. On error the input bucket still holds its full value.
func (a *Adapter) Execute(ctx context.Context, in *asset.Bucket, to model.AssetKind, dest asset.Vault) (uint64, error) {
	if in.IsEmpty() {
		return 0, errors.Wrap(model.ErrInvalidArgument, "execute with empty input")
	}
	if dest.Kind() != to {
		return 0, errors.Wrapf(model.ErrInvalidArgument, "destination %s holds %s, not %s", dest.ID(), dest.Kind(), to)
	}
	from := in.Kind()
	before := dest.Balance()
	if from == to {
		if err := dest.Deposit(in); err != nil {
			return 0, err
		}
		return dest.Balance() - before, nil
	}

	original := in.Amount()
	quoted, err := a.router.Quote(ctx, from, to, original)
	if err != nil {
		return 0, wrapRouterError(err, "quote %d %s -> %s", original, from, to)
	}

	stake := in.TakeAll()
	err = a.router.Swap(ctx, stake, to, a.minOut(quoted), dest)
	if err != nil {
		left := stake.Amount()
		if mergeErr := in.Merge(stake); mergeErr != nil {
			a.logger.Error("failed returning swap input", zap.Error(mergeErr))
		}
		if left != original {
			a.logger.Error("router consumed input on failed swap",
				zap.String("from", string(from)), zap.Uint64("input", original), zap.Uint64("left", left))
		}
		metrics.RecordSettlementFailure(string(from), string(to), model.KindOf(err))
		return 0, wrapRouterError(err, "swap %d %s -> %s", original, from, to)
	}
	if !stake.IsEmpty() {
		// the router broke the all-or-nothing contract, hand the rest back
		a.logger.Error("router partially executed swap",
			zap.String("from", string(from)), zap.Uint64("input", original), zap.Uint64("left", stake.Amount()))
		if mergeErr := in.Merge(stake); mergeErr != nil {
			a.logger.Error("failed returning swap input", zap.Error(mergeErr))
		}
		return dest.Balance() - before, errors.Wrap(model.ErrExecutionFailed, "partial execution")
	}

	after := dest.Balance()
	if after < before {
		return 0, errors.Wrapf(model.ErrExecutionFailed, "destination %s shrank during swap", dest.ID())
	}
	measured := after - before
	metrics.RecordSettlement(string(from), string(to), quoted, measured)
	if measured != quoted {
		a.logger.Info("execution diverged from quote",
			zap.String("from", string(from)), zap.String("to", string(to)),
			zap.Uint64("quoted", quoted), zap.Uint64("measured", measured))
	}
	return measured, nil
}

// Convert executes into a private scratch vault and returns the measured
// output as a bucket, for receivers that cannot report a balance.
func (a *Adapter) Convert(ctx context.Context, in *asset.Bucket, to model.AssetKind) (*asset.Bucket, error) {
	scratch := asset.NewMemoryVault(fmt.Sprintf("settlement-%s", to), to)
	measured, err := a.Execute(ctx, in, to, scratch)
	if err != nil {
		return nil, err
	}
	return scratch.Withdraw(measured)
}

func wrapRouterError(err error, format string, args ...any) error {
	if errors.Is(err, model.ErrUnsupportedPair) || errors.Is(err, model.ErrExecutionFailed) {
		return errors.Wrapf(err, format, args...)
	}
	return errors.Wrapf(model.ErrExecutionFailed, "%s: %s", fmt.Sprintf(format, args...), err)
}
