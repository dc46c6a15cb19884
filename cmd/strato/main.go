package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stratolabs/strato/node"
	"github.com/stratolabs/strato/utils"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const greeting = `
       _             _
  ___ | |_ _ __ __ _| |_ ___
 / __|| __| '__/ _` + "`" + ` | __/ _ \
 \__ \| |_| | | (_| | || (_) |
 |___/ \__|_|  \__,_|\__\___/  %s

`

const (
	configF              = "config"
	logLevelF            = "log-level"
	colourF              = "colour"
	dbPathF              = "db-path"
	chainIDF             = "chain-id"
	modeF                = "mode"
	genesisF             = "genesis"
	sequencerAddressF    = "sequencer-address"
	daBackendF           = "da-backend"
	daConfirmationDepthF = "da-confirmation-depth"
	blockTimeF           = "block-time"
	pollIntervalF        = "poll-interval"
	batchSizeLimitF      = "batch-size-limit"
	mempoolLimitF        = "mempool-limit"
	proofIntervalF       = "proof-interval"
	proverWorkersF       = "prover-workers"
	maxUnpublishedF      = "max-unpublished-batches"
	maxUnprovedF         = "max-unproved-batches"
	submitRetriesF       = "submit-retries"
	submitBackoffF       = "submit-backoff"
	storeRetentionF      = "store-retention"
	metricsF             = "metrics"
	metricsPortF         = "metrics-port"
)

func main() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	config := new(node.Config)
	cmd := NewCmd(config, func(cmd *cobra.Command, _ []string) error {
		fmt.Printf(greeting, Version)

		n, err := node.New(config, Version)
		if err != nil {
			return err
		}
		n.Run(cmd.Context())
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-quit
		cancel()
	}()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// NewCmd builds the root command. Flag defaults, the optional YAML config
// file and STRATO_-prefixed environment variables are merged by viper, in
// ascending priority: defaults, config file, environment, explicit flags.
func NewCmd(config *node.Config, run func(*cobra.Command, []string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "strato [flags]",
		Short:   "Strato is a zk-rollup node: sequencer and full node in one binary.",
		Version: Version,
		RunE:    run,
	}

	var cfgFile string
	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		v := viper.New()
		if cfgFile != "" {
			v.SetConfigType("yaml")
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return err
			}
		}

		v.AutomaticEnv()
		v.SetEnvPrefix("STRATO")
		v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return err
		}

		return v.Unmarshal(config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		)))
	}

	defaultLogLevel := utils.INFO
	cmd.Flags().StringVar(&cfgFile, configF, "", "The YAML configuration file.")
	cmd.Flags().Var(&defaultLogLevel, logLevelF, "Options: debug, info, warn, error.")
	cmd.Flags().Bool(colourF, true, "Use colour in log output.")
	cmd.Flags().String(dbPathF, "", "Location of the database files. Empty for in-memory.")
	cmd.Flags().Uint64(chainIDF, 1, "Chain id transactions must commit to.")
	cmd.Flags().String(modeF, node.ModeFullNode, "Node mode. Options: sequencer, fullnode.")
	cmd.Flags().String(genesisF, "", "Path to the genesis allocation file.")
	cmd.Flags().String(sequencerAddressF, "", "Address recorded in sealed batch headers.")
	cmd.Flags().String(daBackendF, "ledger", "DA backend. Options: memory, ledger.")
	cmd.Flags().Uint64(daConfirmationDepthF, 3, "Heights on top of a blob before it is final.")
	cmd.Flags().Duration(blockTimeF, 2*time.Second, "Time between production cycles.")
	cmd.Flags().Duration(pollIntervalF, time.Second, "Time between DA polls.")
	cmd.Flags().Int(batchSizeLimitF, 100, "Maximum transactions per batch.")
	cmd.Flags().Int(mempoolLimitF, 10_000, "Maximum queued transactions.")
	cmd.Flags().Uint64(proofIntervalF, 1, "Prove every n-th height eagerly.")
	cmd.Flags().Int(proverWorkersF, 1, "Concurrent proving jobs.")
	cmd.Flags().Int(maxUnpublishedF, 8, "Unfinalized batches before production pauses.")
	cmd.Flags().Int(maxUnprovedF, 32, "Unproved batches before production pauses.")
	cmd.Flags().Int(submitRetriesF, 5, "DA submission attempts per batch.")
	cmd.Flags().Duration(submitBackoffF, 500*time.Millisecond, "Initial DA submission retry backoff.")
	cmd.Flags().Int(storeRetentionF, 128, "Historical state roots kept readable.")
	cmd.Flags().Bool(metricsF, false, "Enable the Prometheus endpoint.")
	cmd.Flags().Uint16(metricsPortF, 9090, "Port of the Prometheus endpoint.")

	return cmd
}
