package core

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

const SignatureLength = 65

var (
	ErrInvalidSignature = errors.New("invalid transaction signature")
	ErrMissingSignature = errors.New("transaction is not signed")
)

// Transaction is a signed value transfer. Validity (signature, nonce,
// balance) is judged by the executor, not by the batch pipeline: an invalid
// transaction still travels through batches and receives a failed receipt.
type Transaction struct {
	ChainID  uint64
	Nonce    uint64
	To       common.Address
	Amount   *uint256.Int
	GasLimit uint64
	Data     []byte
	// Signature is the 65-byte [R || S || V] secp256k1 signature over SigHash.
	Signature []byte
}

// sigPayload is the portion of the transaction covered by the signature.
type sigPayload struct {
	ChainID  uint64
	Nonce    uint64
	To       common.Address
	Amount   *uint256.Int
	GasLimit uint64
	Data     []byte
}

func (t *Transaction) payload() *sigPayload {
	return &sigPayload{
		ChainID:  t.ChainID,
		Nonce:    t.Nonce,
		To:       t.To,
		Amount:   t.Amount,
		GasLimit: t.GasLimit,
		Data:     t.Data,
	}
}

// SigHash returns the digest the sender signs: the keccak256 of the RLP
// encoding of every field except the signature itself.
func (t *Transaction) SigHash() common.Hash {
	encoded, err := rlp.EncodeToBytes(t.payload())
	if err != nil {
		// All payload fields are RLP-encodable; this is unreachable with a
		// well-formed transaction.
		panic(fmt.Errorf("encode transaction payload: %w", err))
	}
	return crypto.Keccak256Hash(encoded)
}

// Hash returns the unique identifier of the transaction: the keccak256 of the
// full RLP encoding, signature included.
func (t *Transaction) Hash() common.Hash {
	encoded, err := t.MarshalBinary()
	if err != nil {
		panic(fmt.Errorf("encode transaction: %w", err))
	}
	return crypto.Keccak256Hash(encoded)
}

// From recovers the sender address from the signature.
func (t *Transaction) From() (common.Address, error) {
	if len(t.Signature) == 0 {
		return common.Address{}, ErrMissingSignature
	}
	if len(t.Signature) != SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	sigHash := t.SigHash()
	pub, err := crypto.SigToPub(sigHash.Bytes(), t.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign signs the transaction with the given key, replacing any existing
// signature.
func (t *Transaction) Sign(key *ecdsa.PrivateKey) error {
	sigHash := t.SigHash()
	sig, err := crypto.Sign(sigHash.Bytes(), key)
	if err != nil {
		return err
	}
	t.Signature = sig
	return nil
}

// MarshalBinary returns the canonical RLP encoding of the transaction.
func (t *Transaction) MarshalBinary() ([]byte, error) {
	return rlp.EncodeToBytes(t)
}

// UnmarshalTransaction decodes a transaction from its RLP encoding.
func UnmarshalTransaction(data []byte) (*Transaction, error) {
	tx := new(Transaction)
	if err := rlp.DecodeBytes(data, tx); err != nil {
		return nil, err
	}
	return tx, nil
}
