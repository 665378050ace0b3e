package ports

import (
	"context"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/prysmaticlabs/go-bitfield"
)

// BeaconChainAdapter is the hexagonal port for accessing beacon chain data.
// Transport failures must wrap domain.ErrUpstreamUnavailable; a well-formed "absent"
// answer is reported as a nil result with a nil error.
type BeaconChainAdapter interface {
	// GetHeadSlot returns the slot of the block identified by blockID ("head", "finalized").
	GetHeadSlot(ctx context.Context, blockID string) (domain.Slot, error)

	// GetProposerDuty returns the proposer scheduled for a slot, or nil if not yet known.
	GetProposerDuty(ctx context.Context, slot domain.Slot) (*domain.ProposerDuty, error)

	// GetBlock returns the block at a slot, or nil if no block was produced.
	GetBlock(ctx context.Context, slot domain.Slot) (*domain.BlockSummary, error)

	// GetValidatorIndex resolves a public key. found is false if the chain does not know it.
	GetValidatorIndex(ctx context.Context, pubkey domain.BLSPubKey) (index domain.ValidatorIndex, found bool, err error)

	// GetSyncCommittee returns the ordered sync committee members for an epoch.
	// An empty result means the chain has no sync committee at that epoch (pre-Altair);
	// anything the node cannot answer is an error.
	GetSyncCommittee(ctx context.Context, epoch domain.Epoch) ([]domain.ValidatorIndex, error)

	// GetSyncParticipation returns the sync aggregate bits of the block at a slot, or nil
	// if there is no block.
	GetSyncParticipation(ctx context.Context, slot domain.Slot) (bitfield.Bitvector512, error)
}
