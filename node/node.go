// Package node assembles the configured services into a runnable rollup node.
// A sequencer node runs the production pipeline and the prover; a full node
// runs the sync engine. Both share the same storage, executor and DA layers.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/holiman/uint256"
	"github.com/sourcegraph/conc"
	"github.com/stratolabs/strato/chain"
	"github.com/stratolabs/strato/core"
	"github.com/stratolabs/strato/da"
	daledger "github.com/stratolabs/strato/da/ledger"
	damemory "github.com/stratolabs/strato/da/memory"
	"github.com/stratolabs/strato/db"
	"github.com/stratolabs/strato/db/pebble"
	"github.com/stratolabs/strato/mempool"
	"github.com/stratolabs/strato/prover"
	"github.com/stratolabs/strato/sequencer"
	"github.com/stratolabs/strato/service"
	"github.com/stratolabs/strato/state"
	"github.com/stratolabs/strato/stf"
	"github.com/stratolabs/strato/sync"
	"github.com/stratolabs/strato/utils"
)

const (
	ModeSequencer = "sequencer"
	ModeFullNode  = "fullnode"
)

type Config struct {
	LogLevel utils.LogLevel `mapstructure:"log-level"`
	Colour   bool           `mapstructure:"colour"`

	DatabasePath string `mapstructure:"db-path"`
	ChainID      uint64 `mapstructure:"chain-id" validate:"required"`
	Mode         string `mapstructure:"mode" validate:"oneof=sequencer fullnode"`
	GenesisPath  string `mapstructure:"genesis"`

	SequencerAddress string `mapstructure:"sequencer-address" validate:"omitempty,eth_addr"`

	DaBackend             string        `mapstructure:"da-backend" validate:"oneof=memory ledger"`
	DaConfirmationDepth   uint64        `mapstructure:"da-confirmation-depth"`
	BlockTime             time.Duration `mapstructure:"block-time" validate:"gt=0"`
	PollInterval          time.Duration `mapstructure:"poll-interval" validate:"gt=0"`
	BatchSizeLimit        int           `mapstructure:"batch-size-limit" validate:"gt=0"`
	MempoolLimit          int           `mapstructure:"mempool-limit" validate:"gt=0"`
	ProofInterval         uint64        `mapstructure:"proof-interval" validate:"gt=0"`
	ProverWorkers         int           `mapstructure:"prover-workers" validate:"gt=0"`
	MaxUnpublishedBatches int           `mapstructure:"max-unpublished-batches" validate:"gt=0"`
	MaxUnprovedBatches    int           `mapstructure:"max-unproved-batches" validate:"gt=0"`
	SubmitRetries         int           `mapstructure:"submit-retries" validate:"gt=0"`
	SubmitBackoff         time.Duration `mapstructure:"submit-backoff" validate:"gt=0"`
	StoreRetention        int           `mapstructure:"store-retention" validate:"gt=0"`

	Metrics     bool   `mapstructure:"metrics"`
	MetricsPort uint16 `mapstructure:"metrics-port"`
}

type Node struct {
	cfg      *Config
	log      utils.Logger
	database db.DB
	services []service.Service
	version  string
}

func New(cfg *Config, version string) (*Node, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := utils.NewZapLogger(cfg.LogLevel, cfg.Colour)
	if err != nil {
		return nil, err
	}

	var database db.DB
	if cfg.DatabasePath == "" {
		database, err = pebble.NewMem()
	} else {
		database, err = pebble.New(cfg.DatabasePath, log)
	}
	if err != nil {
		return nil, fmt.Errorf("open database at %q: %w", cfg.DatabasePath, err)
	}
	if cfg.Metrics {
		database = database.WithListener(makeDBMetrics())
	}

	store := state.New(database, log)
	chainView := chain.New(database, log)
	if err := bootstrap(cfg, store, chainView); err != nil {
		return nil, utils.RunAndWrapOnError(database.Close, err)
	}

	var daClient da.Adapter
	switch cfg.DaBackend {
	case "ledger":
		daClient = daledger.New(database, cfg.DaConfirmationDepth)
	default:
		daClient = damemory.New()
	}

	executor := stf.New(cfg.ChainID)
	n := &Node{cfg: cfg, log: log, database: database, version: version}

	switch cfg.Mode {
	case ModeSequencer:
		pool, err := mempool.New(database, cfg.MempoolLimit, log)
		if err != nil {
			return nil, utils.RunAndWrapOnError(database.Close, err)
		}
		scheduler := prover.NewScheduler(prover.New(executor, store, log), chainView, cfg.ProverWorkers, log)
		seq := sequencer.New(sequencer.Config{
			SequencerAddress: common.HexToAddress(cfg.SequencerAddress),
			BlockTime:        cfg.BlockTime,
			PollInterval:     cfg.PollInterval,
			BatchSizeLimit:   cfg.BatchSizeLimit,
			ProofInterval:    cfg.ProofInterval,
			MaxUnpublished:   cfg.MaxUnpublishedBatches,
			MaxUnproved:      cfg.MaxUnprovedBatches,
			SubmitRetries:    cfg.SubmitRetries,
			SubmitBackoff:    cfg.SubmitBackoff,
			StoreRetention:   cfg.StoreRetention,
		}, executor, store, chainView, pool, daClient, scheduler, log)
		if cfg.Metrics {
			seq.WithListener(makeSequencerMetrics())
		}
		n.services = append(n.services, scheduler, seq)
	case ModeFullNode:
		synchronizer := sync.New(chainView, store, executor, daClient,
			cfg.PollInterval, cfg.StoreRetention, log)
		// Proofs imported into the local chain view are checked before replay.
		synchronizer.WithProofSource(prover.NewViewSource(chainView))
		if cfg.Metrics {
			synchronizer.WithListener(makeSyncMetrics())
		}
		n.services = append(n.services, synchronizer)
	}

	if cfg.Metrics {
		n.services = append(n.services, makeMetricsService(cfg.MetricsPort, log))
	}
	return n, nil
}

// bootstrap installs the genesis state on a fresh database and checks that an
// existing database was built from the same genesis.
func bootstrap(cfg *Config, store *state.Store, chainView *chain.View) error {
	allocs := make(map[common.Address]*uint256.Int)
	if cfg.GenesisPath != "" {
		var err error
		allocs, err = loadGenesisAllocs(cfg.GenesisPath)
		if err != nil {
			return err
		}
	}
	diff, err := core.GenesisDiff(allocs)
	if err != nil {
		return err
	}
	genesisRoot, err := store.Apply(core.EmptyRoot, diff)
	if err != nil {
		return err
	}

	_, err = chainView.Height()
	if errors.Is(err, chain.ErrNotBootstrapped) {
		return chainView.Bootstrap(genesisRoot)
	} else if err != nil {
		return err
	}

	record, err := chainView.Record(0)
	if err != nil {
		return err
	}
	if record.StateRoot != genesisRoot {
		return fmt.Errorf("database genesis root %s does not match configured genesis %s",
			record.StateRoot, genesisRoot)
	}
	return nil
}

// Run starts all services and blocks until the context is cancelled or a
// service fails.
func (n *Node) Run(ctx context.Context) {
	n.log.Infow("Starting node", "version", n.version, "mode", n.cfg.Mode,
		"chainID", n.cfg.ChainID, "daBackend", n.cfg.DaBackend)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := conc.NewWaitGroup()
	for _, s := range n.services {
		wg.Go(func() {
			// If a service fails, the node stops.
			if err := s.Run(ctx); err != nil {
				n.log.Errorw("Service failed", "err", err)
				cancel()
			}
		})
	}
	defer n.close()
	defer wg.Wait()

	<-ctx.Done()
	n.log.Infow("Shutting down")
}

func (n *Node) close() {
	if err := n.database.Close(); err != nil {
		n.log.Errorw("Failed to close database", "err", err)
	}
}
