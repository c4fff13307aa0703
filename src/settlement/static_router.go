package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/onemorebsmith/bounty-escrow/src/asset"
	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/pkg/errors"
)

type RateConfig struct {
	From        string `yaml:"from"`
	To          string `yaml:"to"`
	Numerator   uint64 `yaml:"numerator"`
	Denominator uint64 `yaml:"denominator"`
}

type RouterConfig struct {
	Rates     []RateConfig      `yaml:"rates"`
	Liquidity map[string]uint64 `yaml:"liquidity"`
	// simulated divergence between quote and execution
	ExecutionSlippageBps uint32 `yaml:"execution_slippage_bps"`
}

type pair struct {
	from model.AssetKind
	to   model.AssetKind
}

type rate struct {
	num uint64
	den uint64
}

// StaticRouter executes swaps at fixed rates against its own liquidity
// vaults. Output is sourced from the `to` vault, input lands in the `from`
// vault, so value is conserved across the router.
type StaticRouter struct {
	lock        sync.Mutex
	rates       map[pair]rate
	liquidity   map[model.AssetKind]*asset.MemoryVault
	slippageBps uint64
	halted      bool
}

func NewStaticRouter(cfg RouterConfig) (*StaticRouter, error) {
	if cfg.ExecutionSlippageBps >= bpsDenominator {
		return nil, errors.Wrapf(model.ErrInvalidArgument, "execution slippage %d bps", cfg.ExecutionSlippageBps)
	}
	sr := &StaticRouter{
		rates:       map[pair]rate{},
		liquidity:   map[model.AssetKind]*asset.MemoryVault{},
		slippageBps: uint64(cfg.ExecutionSlippageBps),
	}
	for _, r := range cfg.Rates {
		if err := sr.SetRate(model.AssetKind(r.From), model.AssetKind(r.To), r.Numerator, r.Denominator); err != nil {
			return nil, err
		}
	}
	for kind, amount := range cfg.Liquidity {
		sr.liquidity[model.AssetKind(kind)] = asset.SeedMemoryVault(fmt.Sprintf("router-%s", kind), model.AssetKind(kind), amount)
	}
	return sr, nil
}

func (sr *StaticRouter) SetRate(from, to model.AssetKind, num, den uint64) error {
	if num == 0 || den == 0 {
		return errors.Wrapf(model.ErrInvalidArgument, "rate %s -> %s must be positive", from, to)
	}
	sr.lock.Lock()
	defer sr.lock.Unlock()
	sr.rates[pair{from, to}] = rate{num: num, den: den}
	return nil
}

func (sr *StaticRouter) SetSlippage(bps uint32) {
	sr.lock.Lock()
	defer sr.lock.Unlock()
	sr.slippageBps = uint64(bps)
}

// SetHalted makes every swap fail with ErrExecutionFailed, the way an
// external router rejects calls during maintenance.
func (sr *StaticRouter) SetHalted(halted bool) {
	sr.lock.Lock()
	defer sr.lock.Unlock()
	sr.halted = halted
}

func (sr *StaticRouter) Liquidity(kind model.AssetKind) uint64 {
	sr.lock.Lock()
	defer sr.lock.Unlock()
	if v, ok := sr.liquidity[kind]; ok {
		return v.Balance()
	}
	return 0
}

func (sr *StaticRouter) quote(from, to model.AssetKind, amount uint64) (uint64, error) {
	r, ok := sr.rates[pair{from, to}]
	if !ok {
		return 0, errors.Wrapf(model.ErrUnsupportedPair, "no route %s -> %s", from, to)
	}
	return mulDiv(amount, r.num, r.den), nil
}

func (sr *StaticRouter) Quote(ctx context.Context, from, to model.AssetKind, amount uint64) (uint64, error) {
	sr.lock.Lock()
	defer sr.lock.Unlock()
	return sr.quote(from, to, amount)
}

func (sr *StaticRouter) Swap(ctx context.Context, in *asset.Bucket, to model.AssetKind, minOut uint64, dest asset.Receiver) error {
	sr.lock.Lock()
	defer sr.lock.Unlock()
	if err := ctx.Err(); err != nil {
		return errors.Wrap(model.ErrExecutionFailed, err.Error())
	}
	if sr.halted {
		return errors.Wrap(model.ErrExecutionFailed, "router halted")
	}
	from := in.Kind()
	quoted, err := sr.quote(from, to, in.Amount())
	if err != nil {
		return err
	}
	out := mulDiv(quoted, bpsDenominator-sr.slippageBps, bpsDenominator)
	if out == 0 {
		return errors.Wrapf(model.ErrExecutionFailed, "swap of %s produces nothing", in)
	}
	if out < minOut {
		return errors.Wrapf(model.ErrExecutionFailed, "output %d below minimum %d", out, minOut)
	}
	supply, ok := sr.liquidity[to]
	if !ok || supply.Balance() < out {
		return errors.Wrapf(model.ErrExecutionFailed, "insufficient %s liquidity for %d", to, out)
	}
	sink, ok := sr.liquidity[from]
	if !ok {
		sink = asset.NewMemoryVault(fmt.Sprintf("router-%s", from), from)
		sr.liquidity[from] = sink
	}

	payout, err := supply.Withdraw(out)
	if err != nil {
		return errors.Wrap(model.ErrExecutionFailed, err.Error())
	}
	if err := dest.Deposit(payout); err != nil {
		if restoreErr := supply.Deposit(payout); restoreErr != nil {
			return errors.Wrapf(restoreErr, "failed restoring liquidity after %s", err)
		}
		return errors.Wrapf(model.ErrExecutionFailed, "deposit to %s: %s", dest.ID(), err)
	}
	// input is only taken once the output has landed
	return sink.Deposit(in)
}

func mulDiv(amount, num, den uint64) uint64 {
	res := new(big.Int).SetUint64(amount)
	res.Mul(res, new(big.Int).SetUint64(num))
	res.Quo(res, new(big.Int).SetUint64(den))
	if !res.IsUint64() {
		return ^uint64(0)
	}
	return res.Uint64()
}
