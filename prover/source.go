package prover

import (
	"context"

	"github.com/stratolabs/strato/chain"
)

// ViewSource serves proofs recorded in a chain view, so a node can check
// proofs it holds locally before replaying a batch. Heights without a stored
// proof return chain.ErrProofNotFound; callers treat that as "not yet proved"
// rather than a fault.
type ViewSource struct {
	view *chain.View
}

func NewViewSource(view *chain.View) *ViewSource {
	return &ViewSource{view: view}
}

func (s *ViewSource) Proof(_ context.Context, height uint64) (*Proof, error) {
	encoded, err := s.view.Proof(height)
	if err != nil {
		return nil, err
	}
	return UnmarshalProof(encoded)
}
