package cmd

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"

	cfgpkg "github.com/AvaProtocol/ap-userops/core/config"
	"github.com/AvaProtocol/ap-userops/core/chainio/reader"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userops/storage"
)

// app holds the collaborators a command needs. Commands ask only for what
// they use so that, e.g., `address` works without a bundler.
type app struct {
	cfg     *cfgpkg.Config
	reader  *reader.Reader
	eth     *ethclient.Client
	bundler *bundler.BundlerClient
	db      storage.Storage
	journal *storage.Journal
}

type needs struct {
	chain   bool
	bundler bool
}

func loadApp(ctx context.Context, n needs) (*app, error) {
	cfg, err := cfgpkg.NewConfig(config)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	if n.chain || n.bundler {
		a.reader, a.eth, err = reader.Dial(ctx, cfg.RPCURL, cfg.Logger, reader.DefaultOptions())
		if err != nil {
			return nil, err
		}
		chainID, err := a.reader.ChainID(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		if cfg.ChainID != nil && cfg.ChainID.Cmp(chainID) != 0 {
			a.Close()
			return nil, fmt.Errorf("configured chain id %s but the rpc reports %s", cfg.ChainID, chainID)
		}
		cfg.ChainID = chainID

		if _, err := cfg.Account.Resolve(ctx, a.reader); err != nil {
			a.Close()
			return nil, err
		}
	}

	if n.bundler {
		opts := cfg.Bundler
		opts.ChainID = cfg.ChainID
		opts.FeeFallback = a.reader
		a.bundler, err = bundler.NewBundlerClient(opts, cfg.Logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := a.bundler.CheckEntryPoint(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

// openJournal opens the badger journal at db_path. Without a db_path it is
// an error only when required.
func (a *app) openJournal(required bool) error {
	if a.cfg.DbPath == "" {
		if required {
			return fmt.Errorf("db_path is required to read the operation journal")
		}
		return nil
	}
	db, err := storage.NewWithPath(a.cfg.DbPath)
	if err != nil {
		return fmt.Errorf("failed to open journal at %s: %w", a.cfg.DbPath, err)
	}
	a.db = db
	a.journal = storage.NewJournal(db)
	return nil
}

func (a *app) Close() {
	if a.bundler != nil {
		_ = a.bundler.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.eth != nil {
		a.eth.Close()
	}
}
