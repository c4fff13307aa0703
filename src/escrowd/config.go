package escrowd

import (
	"time"

	"github.com/onemorebsmith/bounty-escrow/src/asset"
	"github.com/onemorebsmith/bounty-escrow/src/common"
	"github.com/onemorebsmith/bounty-escrow/src/escrow"
	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/onemorebsmith/bounty-escrow/src/settlement"
	"github.com/pkg/errors"
)

type Config struct {
	common.CommonConfig `yaml:",inline"`
	escrow.Config       `yaml:",inline"`

	Router        settlement.RouterConfig `yaml:"router"`
	Accounts      []AccountConfig         `yaml:"accounts"`
	AuditInterval time.Duration           `yaml:"audit_interval"`
}

// AccountConfig seeds an external account in the in-memory directory
type AccountConfig struct {
	ID      string `yaml:"id"`
	Kind    string `yaml:"kind"`
	Balance uint64 `yaml:"balance"`
	// sponsor allowed to fund its pool from this account
	Owner string `yaml:"owner"`
}

func (cfg Config) Validate() error {
	if cfg.SettlementAsset == "" {
		return errors.Wrap(model.ErrInvalidArgument, "settlement_asset is required")
	}
	if cfg.ListenAddress == "" {
		return errors.Wrap(model.ErrInvalidArgument, "listen_address is required")
	}
	return nil
}

func buildDirectory(accounts []AccountConfig) (*asset.MemoryDirectory, error) {
	dir := asset.NewMemoryDirectory()
	for _, a := range accounts {
		if a.ID == "" || a.Kind == "" {
			return nil, errors.Wrapf(model.ErrInvalidArgument, "account %q needs an id and kind", a.ID)
		}
		if err := dir.AddOwned(asset.SeedMemoryVault(a.ID, model.AssetKind(a.Kind), a.Balance), model.SponsorID(a.Owner)); err != nil {
			return nil, err
		}
	}
	return dir, nil
}
