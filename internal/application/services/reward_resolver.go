package services

import (
	"context"
	"time"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/Marketen/proposals-indexer/internal/application/ports"
	"github.com/Marketen/proposals-indexer/internal/logger"
)

// RewardResolver picks one reward value per slot with the fixed precedence
// RelayReported > OnChainComputed > Unknown.
type RewardResolver struct {
	// ExecutionAdapter is nil when the on-chain fallback is disabled.
	ExecutionAdapter ports.ExecutionAdapter
	RequestTimeout   time.Duration
}

// NewRewardResolver constructs a RewardResolver. Pass a nil adapter to disable the fallback.
func NewRewardResolver(execution ports.ExecutionAdapter, requestTimeout time.Duration) *RewardResolver {
	return &RewardResolver{
		ExecutionAdapter: execution,
		RequestTimeout:   requestTimeout,
	}
}

// Resolve never fails: anything that cannot be determined is recorded as Unknown.
func (r *RewardResolver) Resolve(ctx context.Context, cls *domain.Classification) domain.Reward {
	if cls.Outcome != domain.OutcomeProposed || cls.Block == nil {
		return domain.UnknownReward()
	}

	recipient := cls.Block.FeeRecipient
	if cls.Relay != nil {
		if v := cls.Relay.Payload.Value; v != nil && !v.IsZero() {
			return domain.Reward{Amount: *v, Provenance: domain.ProvenanceRelayReported}
		}
		recipient = cls.Relay.Payload.ProposerFeeRecipient
	}

	if r.ExecutionAdapter == nil {
		return domain.UnknownReward()
	}

	reqCtx, cancel := withRequestTimeout(ctx, r.RequestTimeout)
	defer cancel()
	components, err := r.ExecutionAdapter.GetBlockRewardComponents(reqCtx, cls.Block.BlockHash, recipient)
	if err != nil {
		rewardFallbackFailures.Inc()
		logger.Warn("Could not compute on-chain reward for slot %d (block %s): %v",
			cls.Slot, cls.Block.BlockHash.Hex(), err)
		return domain.UnknownReward()
	}
	return domain.Reward{
		Amount:     components.PriorityFees.Add(components.DirectTransfer),
		Provenance: domain.ProvenanceOnChainComputed,
	}
}
