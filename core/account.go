package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Account is the value stored in the state for each address.
type Account struct {
	Nonce   uint64
	Balance *uint256.Int
}

func NewAccount() *Account {
	return &Account{Balance: new(uint256.Int)}
}

// AccountKey maps an address to its state key.
func AccountKey(addr common.Address) common.Hash {
	return crypto.Keccak256Hash(addr.Bytes())
}

// MarshalBinary returns the canonical RLP encoding of the account.
func (a *Account) MarshalBinary() ([]byte, error) {
	return rlp.EncodeToBytes(a)
}

// UnmarshalAccount decodes an account from its RLP encoding.
func UnmarshalAccount(data []byte) (*Account, error) {
	account := new(Account)
	if err := rlp.DecodeBytes(data, account); err != nil {
		return nil, err
	}
	return account, nil
}

// GenesisDiff builds the state diff of an initial balance allocation.
func GenesisDiff(allocs map[common.Address]*uint256.Int) (*StateDiff, error) {
	diff := new(StateDiff)
	for addr, balance := range allocs {
		account := &Account{Balance: balance}
		encoded, err := account.MarshalBinary()
		if err != nil {
			return nil, err
		}
		diff.Writes = append(diff.Writes, StorageWrite{Key: AccountKey(addr), Value: encoded})
	}
	diff.Sort()
	return diff, nil
}
