package node

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

// genesisFile is the on-disk genesis description: initial balances by
// address. The resulting allocation defines the genesis state root, so every
// node of a chain must start from the same file.
type genesisFile struct {
	Alloc map[string]string `yaml:"alloc"`
}

func loadGenesisAllocs(path string) (map[common.Address]*uint256.Int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis file: %w", err)
	}

	var parsed genesisFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse genesis file: %w", err)
	}

	allocs := make(map[common.Address]*uint256.Int, len(parsed.Alloc))
	for addr, balance := range parsed.Alloc {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("genesis alloc: invalid address %q", addr)
		}
		amount, err := uint256.FromDecimal(balance)
		if err != nil {
			return nil, fmt.Errorf("genesis alloc %s: invalid balance %q: %w", addr, balance, err)
		}
		allocs[common.HexToAddress(addr)] = amount
	}
	return allocs, nil
}
