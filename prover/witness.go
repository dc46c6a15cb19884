package prover

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stratolabs/strato/state"
)

// ErrIncompleteWitness is returned by the guest when execution touches a key
// the witness does not cover. Proving fails rather than guessing.
var ErrIncompleteWitness = errors.New("witness does not cover key")

// WitnessEntry records one state read: the key, the value observed, and
// whether the key was absent. Absence is part of the witnessed statement, so
// a prover cannot hide a key by omitting it.
type WitnessEntry struct {
	Key     common.Hash
	Value   []byte
	Missing bool
}

// Witness is the complete set of state reads an execution performed, sorted
// by key. It is what lets the guest re-execute without store access.
type Witness struct {
	Entries []WitnessEntry
}

// Commitment returns the keccak256 of the canonical encoding of the entries.
func (w *Witness) Commitment() (common.Hash, error) {
	for i := 1; i < len(w.Entries); i++ {
		if bytes.Compare(w.Entries[i-1].Key.Bytes(), w.Entries[i].Key.Bytes()) >= 0 {
			return common.Hash{}, errors.New("witness entries are not sorted by key")
		}
	}
	encoded, err := rlp.EncodeToBytes(w.Entries)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// RecordingReader wraps a state reader and captures every read, including
// misses. The first observation per key wins; the underlying state is
// immutable for the duration of an execution so later reads cannot differ.
type RecordingReader struct {
	inner state.Reader

	mu    sync.Mutex
	reads map[common.Hash]WitnessEntry
}

func NewRecordingReader(inner state.Reader) *RecordingReader {
	return &RecordingReader{
		inner: inner,
		reads: make(map[common.Hash]WitnessEntry),
	}
}

func (r *RecordingReader) Get(key common.Hash) ([]byte, error) {
	val, err := r.inner.Get(key)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.reads[key]; !ok {
		r.reads[key] = WitnessEntry{
			Key:     key,
			Value:   append([]byte{}, val...),
			Missing: errors.Is(err, state.ErrNotFound),
		}
	}
	r.mu.Unlock()
	return val, err
}

// Witness returns the recorded reads as a canonical witness.
func (r *RecordingReader) Witness() *Witness {
	r.mu.Lock()
	defer r.mu.Unlock()

	witness := &Witness{Entries: make([]WitnessEntry, 0, len(r.reads))}
	for _, entry := range r.reads {
		witness.Entries = append(witness.Entries, entry)
	}
	sort.Slice(witness.Entries, func(i, j int) bool {
		return bytes.Compare(witness.Entries[i].Key.Bytes(), witness.Entries[j].Key.Bytes()) < 0
	})
	return witness
}

// WitnessReader serves reads purely from a witness. It is the only state
// access the guest has; a read outside the witness aborts the proof.
type WitnessReader struct {
	entries map[common.Hash]WitnessEntry
}

func NewWitnessReader(witness *Witness) *WitnessReader {
	entries := make(map[common.Hash]WitnessEntry, len(witness.Entries))
	for _, entry := range witness.Entries {
		entries[entry.Key] = entry
	}
	return &WitnessReader{entries: entries}
}

func (r *WitnessReader) Get(key common.Hash) ([]byte, error) {
	entry, ok := r.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIncompleteWitness, key)
	}
	if entry.Missing {
		return nil, state.ErrNotFound
	}
	return entry.Value, nil
}
