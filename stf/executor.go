// Package stf implements the deterministic state-transition function. The
// executor is a pure function of (prior root, batch, external inputs) and the
// state snapshot it is handed: no clocks, no map-iteration order, no ambient
// environment. The sequencer, the full node and the proving guest all run
// this exact code and must produce byte-identical results.
package stf

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stratolabs/strato/core"
	"github.com/stratolabs/strato/state"
)

// TransferGas is the flat resource cost of a value transfer; calldata is
// charged per byte on top.
const (
	TransferGas     = 21000
	CalldataGasByte = 16
)

// Structural faults abort the whole cycle; they are never turned into failed
// receipts.
type ErrStructural struct {
	reason string
}

func (e *ErrStructural) Error() string {
	return fmt.Sprintf("structural execution fault: %v", e.reason)
}

// ExternalInputs bundles the DA-layer metadata visible to system-level logic.
// It is part of the executor's explicit input set and therefore of the proven
// statement.
type ExternalInputs struct {
	DaHeight uint64
}

// Result of executing one batch.
type Result struct {
	NewRoot  common.Hash
	Receipts []*core.Receipt
	Diff     *core.StateDiff
}

type Executor struct {
	chainID uint64
}

func New(chainID uint64) *Executor {
	return &Executor{chainID: chainID}
}

// Execute runs every transaction of the batch against the state at priorRoot
// and returns the new root, the ordered receipts and the state diff.
// Per-transaction faults (bad signature, wrong nonce, insufficient balance)
// become reverted receipts; only structural faults error out.
func (e *Executor) Execute(
	priorRoot common.Hash,
	reader state.Reader,
	batch *core.Batch,
	inputs ExternalInputs,
) (*Result, error) {
	if batch == nil {
		return nil, &ErrStructural{"nil batch"}
	}
	if batch.Header.ParentRoot != priorRoot {
		return nil, &ErrStructural{
			fmt.Sprintf("batch parent root %s does not match prior root %s", batch.Header.ParentRoot, priorRoot),
		}
	}
	for i, tx := range batch.Transactions {
		if tx == nil {
			return nil, &ErrStructural{fmt.Sprintf("nil transaction at index %d", i)}
		}
	}

	overlay := newOverlay(reader)
	receipts := make([]*core.Receipt, 0, len(batch.Transactions))
	for _, tx := range batch.Transactions {
		receipt, err := e.executeTransaction(overlay, tx)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}

	diff, err := overlay.diff()
	if err != nil {
		return nil, err
	}
	newRoot, err := core.PostRoot(priorRoot, diff)
	if err != nil {
		return nil, err
	}
	return &Result{NewRoot: newRoot, Receipts: receipts, Diff: diff}, nil
}

func (e *Executor) executeTransaction(overlay *overlay, tx *core.Transaction) (*core.Receipt, error) {
	receipt := &core.Receipt{TxHash: tx.Hash()}

	revert := func(reason string) (*core.Receipt, error) {
		receipt.Status = core.ReceiptReverted
		receipt.RevertReason = reason
		return receipt, nil
	}

	from, err := tx.From()
	if err != nil {
		return revert("invalid signature")
	}
	if tx.ChainID != e.chainID {
		return revert(fmt.Sprintf("wrong chain id %d", tx.ChainID))
	}

	gas := uint64(TransferGas) + uint64(len(tx.Data))*CalldataGasByte
	if tx.GasLimit < gas {
		return revert("intrinsic gas too low")
	}

	sender, err := overlay.account(from)
	if err != nil {
		return nil, err
	}
	if tx.Nonce != sender.Nonce {
		return revert(fmt.Sprintf("invalid nonce: have %d, want %d", tx.Nonce, sender.Nonce))
	}

	amount := tx.Amount
	if amount == nil {
		amount = new(uint256.Int)
	}
	if sender.Balance.Cmp(amount) < 0 {
		return revert("insufficient balance")
	}

	recipient, err := overlay.account(tx.To)
	if err != nil {
		return nil, err
	}

	sender.Nonce++
	sender.Balance = new(uint256.Int).Sub(sender.Balance, amount)
	recipient.Balance = new(uint256.Int).Add(recipient.Balance, amount)
	overlay.setAccount(from, sender)
	overlay.setAccount(tx.To, recipient)

	receipt.Status = core.ReceiptSucceeded
	receipt.GasUsed = gas
	return receipt, nil
}

// overlay accumulates account writes on top of a read-only state view so that
// later transactions in the batch observe the effects of earlier ones.
type overlay struct {
	reader   state.Reader
	accounts map[common.Address]*core.Account
	touched  map[common.Address]bool
}

func newOverlay(reader state.Reader) *overlay {
	return &overlay{
		reader:   reader,
		accounts: make(map[common.Address]*core.Account),
		touched:  make(map[common.Address]bool),
	}
}

func (o *overlay) account(addr common.Address) (*core.Account, error) {
	if account, ok := o.accounts[addr]; ok {
		return account, nil
	}

	val, err := o.reader.Get(core.AccountKey(addr))
	if errors.Is(err, state.ErrNotFound) {
		account := core.NewAccount()
		o.accounts[addr] = account
		return account, nil
	} else if err != nil {
		return nil, &ErrStructural{fmt.Sprintf("read account %s: %v", addr, err)}
	}

	account, err := core.UnmarshalAccount(val)
	if err != nil {
		return nil, &ErrStructural{fmt.Sprintf("corrupt account %s: %v", addr, err)}
	}
	o.accounts[addr] = account
	return account, nil
}

func (o *overlay) setAccount(addr common.Address, account *core.Account) {
	o.accounts[addr] = account
	o.touched[addr] = true
}

// diff returns the canonical state diff of all modified accounts. Iteration
// over the map is made deterministic by sorting the writes.
func (o *overlay) diff() (*core.StateDiff, error) {
	diff := new(core.StateDiff)
	for addr := range o.touched {
		encoded, err := o.accounts[addr].MarshalBinary()
		if err != nil {
			return nil, err
		}
		diff.Writes = append(diff.Writes, core.StorageWrite{Key: core.AccountKey(addr), Value: encoded})
	}
	sort.Slice(diff.Writes, func(i, j int) bool {
		return bytes.Compare(diff.Writes[i].Key.Bytes(), diff.Writes[j].Key.Bytes()) < 0
	})
	return diff, nil
}
