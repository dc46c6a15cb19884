// Package prover wraps batch execution in a zkVM-shaped proving flow. The
// host executes a batch natively while recording its state reads; the guest
// then re-executes the same batch against the recorded witness alone and the
// proof binds the resulting (prior root, new root, batch commitment, witness,
// DA inputs) tuple. Verification is a pure function of the proof and the
// claimed tuple and touches no state.
package prover

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stratolabs/strato/core"
	"github.com/stratolabs/strato/encoder"
	"github.com/stratolabs/strato/state"
	"github.com/stratolabs/strato/stf"
	"github.com/stratolabs/strato/utils"
)

var (
	// ErrExecutionMismatch reports a guest re-execution arriving at a
	// different root than the native run. With a deterministic executor this
	// indicates a corrupted witness.
	ErrExecutionMismatch = errors.New("guest execution does not reproduce native root")
	ErrInvalidProof      = errors.New("proof does not verify")
)

// Proof attests that executing the batch with the given commitment on top of
// PriorRoot, with the given external inputs, yields NewRoot. Binding is the
// field-level digest over the public inputs; a proof cannot be replayed for
// any other tuple.
type Proof struct {
	PriorRoot         common.Hash
	NewRoot           common.Hash
	BatchCommitment   common.Hash
	WitnessCommitment common.Hash
	DaHeight          uint64
	Binding           [32]byte
}

// proofRecord is the shape Proof is encoded as. The CBOR encoder prefers
// encoding.BinaryMarshaler over struct encoding, so marshalling Proof directly
// would re-enter MarshalBinary; the alias carries no methods.
type proofRecord Proof

// MarshalBinary returns the canonical encoding used for persistence and
// distribution.
func (p *Proof) MarshalBinary() ([]byte, error) {
	return encoder.Marshal((*proofRecord)(p))
}

func UnmarshalProof(data []byte) (*Proof, error) {
	proof := new(Proof)
	if err := encoder.Unmarshal(data, (*proofRecord)(proof)); err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}
	return proof, nil
}

// binding digests the public inputs inside the proving field. Hashes are
// reduced into the field before absorption.
func binding(priorRoot, newRoot, batchCommitment, witnessCommitment common.Hash, daHeight uint64) ([32]byte, error) {
	hasher := mimc.NewMiMC()
	for _, h := range []common.Hash{priorRoot, newRoot, batchCommitment, witnessCommitment} {
		var element fr.Element
		element.SetBytes(h.Bytes())
		marshalled := element.Marshal()
		if _, err := hasher.Write(marshalled); err != nil {
			return [32]byte{}, err
		}
	}
	var heightElement fr.Element
	heightElement.SetUint64(daHeight)
	marshalled := heightElement.Marshal()
	if _, err := hasher.Write(marshalled); err != nil {
		return [32]byte{}, err
	}

	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out, nil
}

type Prover struct {
	executor *stf.Executor
	store    *state.Store
	log      utils.SimpleLogger
}

func New(executor *stf.Executor, store *state.Store, log utils.SimpleLogger) *Prover {
	return &Prover{executor: executor, store: store, log: log}
}

// Prove executes the batch natively to capture a witness, re-executes it in
// the guest against that witness alone, and returns the proof binding the
// transition. The two executions must agree on the resulting root.
func (p *Prover) Prove(priorRoot common.Hash, batch *core.Batch, inputs stf.ExternalInputs) (*Proof, error) {
	reader, closer, err := p.store.ReaderAt(priorRoot)
	if err != nil {
		return nil, err
	}
	recorder := NewRecordingReader(reader)
	native, err := p.executor.Execute(priorRoot, recorder, batch, inputs)
	if err != nil {
		return nil, utils.RunAndWrapOnError(closer, err)
	}
	if err := closer(); err != nil {
		return nil, err
	}

	witness := recorder.Witness()
	guest, err := p.executor.Execute(priorRoot, NewWitnessReader(witness), batch, inputs)
	if err != nil {
		return nil, fmt.Errorf("guest execution: %w", err)
	}
	if guest.NewRoot != native.NewRoot {
		return nil, fmt.Errorf("%w: native %s, guest %s", ErrExecutionMismatch, native.NewRoot, guest.NewRoot)
	}

	witnessCommitment, err := witness.Commitment()
	if err != nil {
		return nil, err
	}
	batchCommitment := batch.Commitment()
	proofBinding, err := binding(priorRoot, guest.NewRoot, batchCommitment, witnessCommitment, inputs.DaHeight)
	if err != nil {
		return nil, err
	}

	return &Proof{
		PriorRoot:         priorRoot,
		NewRoot:           guest.NewRoot,
		BatchCommitment:   batchCommitment,
		WitnessCommitment: witnessCommitment,
		DaHeight:          inputs.DaHeight,
		Binding:           proofBinding,
	}, nil
}

// Verify checks that the proof attests exactly the claimed transition. It
// never touches the store, so any party holding only the proof and the claim
// can run it. The zero-value proof verifies for no tuple.
func Verify(proof *Proof, priorRoot, newRoot, batchCommitment common.Hash, inputs stf.ExternalInputs) error {
	if proof == nil {
		return fmt.Errorf("%w: nil proof", ErrInvalidProof)
	}
	if proof.PriorRoot != priorRoot || proof.NewRoot != newRoot ||
		proof.BatchCommitment != batchCommitment || proof.DaHeight != inputs.DaHeight {
		return fmt.Errorf("%w: public inputs do not match claim", ErrInvalidProof)
	}

	expected, err := binding(proof.PriorRoot, proof.NewRoot, proof.BatchCommitment, proof.WitnessCommitment, proof.DaHeight)
	if err != nil {
		return err
	}
	if expected != proof.Binding {
		return fmt.Errorf("%w: binding mismatch", ErrInvalidProof)
	}
	return nil
}
