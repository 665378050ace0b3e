package ports

import (
	"context"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/ethereum/go-ethereum/common"
)

// RelayAdapter queries one relay's data API.
type RelayAdapter interface {
	Tag() domain.RelayTag

	// GetDeliveredPayloads returns the payloads the relay delivered at a slot. An empty
	// result means the relay did not deliver one.
	GetDeliveredPayloads(ctx context.Context, slot domain.Slot) ([]domain.DeliveredPayload, error)
}

// ExecutionAdapter computes on-chain reward components for the reward fallback.
type ExecutionAdapter interface {
	// GetBlockRewardComponents returns the priority fees of the block and the value
	// transferred to recipient by its transactions.
	GetBlockRewardComponents(ctx context.Context, blockHash common.Hash, recipient common.Address) (*domain.RewardComponents, error)
}
