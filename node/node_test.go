package node_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stratolabs/strato/node"
	"github.com/stratolabs/strato/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *node.Config {
	return &node.Config{
		LogLevel:              utils.ERROR,
		ChainID:               1,
		Mode:                  node.ModeFullNode,
		DaBackend:             "memory",
		BlockTime:             time.Second,
		PollInterval:          time.Second,
		BatchSizeLimit:        10,
		MempoolLimit:          100,
		ProofInterval:         1,
		ProverWorkers:         1,
		MaxUnpublishedBatches: 4,
		MaxUnprovedBatches:    8,
		SubmitRetries:         3,
		SubmitBackoff:         time.Millisecond,
		StoreRetention:        16,
	}
}

func TestNewWithValidConfig(t *testing.T) {
	n, err := node.New(validConfig(), "v0.1-test")
	require.NoError(t, err)
	require.NotNil(t, n)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := map[string]func(*node.Config){
		"missing chain id":     func(c *node.Config) { c.ChainID = 0 },
		"unknown mode":         func(c *node.Config) { c.Mode = "validator" },
		"unknown da backend":   func(c *node.Config) { c.DaBackend = "celestia" },
		"zero block time":      func(c *node.Config) { c.BlockTime = 0 },
		"zero batch size":      func(c *node.Config) { c.BatchSizeLimit = 0 },
		"bad sequencer addr":   func(c *node.Config) { c.SequencerAddress = "not-an-address" },
		"zero proof interval":  func(c *node.Config) { c.ProofInterval = 0 },
		"zero store retention": func(c *node.Config) { c.StoreRetention = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			_, err := node.New(cfg, "v0.1-test")
			assert.Error(t, err)
		})
	}
}

func TestSequencerModeWiring(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = node.ModeSequencer
	cfg.SequencerAddress = "0x8Ba1f109551bD432803012645Ac136ddd64DBA72"

	n, err := node.New(cfg, "v0.1-test")
	require.NoError(t, err)
	require.NotNil(t, n)
}

func writeGenesis(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genesis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestGenesisFile(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		cfg := validConfig()
		cfg.GenesisPath = writeGenesis(t,
			"alloc:\n  \"0x8Ba1f109551bD432803012645Ac136ddd64DBA72\": \"100\"\n")
		_, err := node.New(cfg, "v0.1-test")
		require.NoError(t, err)
	})

	t.Run("invalid address", func(t *testing.T) {
		cfg := validConfig()
		cfg.GenesisPath = writeGenesis(t, "alloc:\n  \"zzz\": \"100\"\n")
		_, err := node.New(cfg, "v0.1-test")
		assert.Error(t, err)
	})

	t.Run("invalid balance", func(t *testing.T) {
		cfg := validConfig()
		cfg.GenesisPath = writeGenesis(t,
			"alloc:\n  \"0x8Ba1f109551bD432803012645Ac136ddd64DBA72\": \"lots\"\n")
		_, err := node.New(cfg, "v0.1-test")
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := validConfig()
		cfg.GenesisPath = filepath.Join(t.TempDir(), "nope.yaml")
		_, err := node.New(cfg, "v0.1-test")
		assert.Error(t, err)
	})
}
