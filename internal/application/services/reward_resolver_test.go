package services

import (
	"context"
	"testing"
	"time"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func proposed(slot domain.Slot, relay *domain.RelayMatch) *domain.Classification {
	return &domain.Classification{
		Slot:    slot,
		Outcome: domain.OutcomeProposed,
		Block: &domain.BlockSummary{
			Slot:             slot,
			BlockHash:        blockHash(slot),
			FeeRecipient:     common.HexToAddress("0xfee"),
			TransactionCount: 1,
		},
		Relay: relay,
	}
}

func relayMatch(slot domain.Slot, value *domain.Wei) *domain.RelayMatch {
	return &domain.RelayMatch{Tag: "A", Payload: domain.DeliveredPayload{
		Slot:                 slot,
		BlockHash:            blockHash(slot),
		ProposerFeeRecipient: common.HexToAddress("0xbeef"),
		Value:                value,
	}}
}

func TestRewardResolver_Precedence(t *testing.T) {
	exec := newFakeExecution()
	exec.set(1, milliEth(20), milliEth(5))
	r := NewRewardResolver(exec, time.Second)

	reward := r.Resolve(context.Background(), proposed(1, relayMatch(1, weiPtr(milliEth(50)))))
	assert.Equal(t, domain.ProvenanceRelayReported, reward.Provenance)
	assert.Equal(t, milliEth(50), reward.Amount, "relay value wins over a different on-chain value")
	assert.Equal(t, 0, exec.calls)
}

func TestRewardResolver_FallbackWhenRelayValueMissing(t *testing.T) {
	exec := newFakeExecution()
	exec.set(2, milliEth(20), milliEth(10))
	exec.set(3, milliEth(7), domain.Wei{})
	r := NewRewardResolver(exec, time.Second)

	for _, value := range []*domain.Wei{nil, weiPtr(domain.Wei{})} {
		reward := r.Resolve(context.Background(), proposed(2, relayMatch(2, value)))
		assert.Equal(t, domain.ProvenanceOnChainComputed, reward.Provenance)
		assert.Equal(t, milliEth(30), reward.Amount)
	}
	assert.Equal(t, common.HexToAddress("0xbeef"), exec.recipients[0], "relay fee recipient is used when known")

	reward := r.Resolve(context.Background(), proposed(3, nil))
	assert.Equal(t, domain.ProvenanceOnChainComputed, reward.Provenance)
	assert.Equal(t, milliEth(7), reward.Amount)
	assert.Equal(t, common.HexToAddress("0xfee"), exec.recipients[2], "locally built blocks pay the block fee recipient")
}

func TestRewardResolver_Unknown(t *testing.T) {
	exec := newFakeExecution()
	exec.err = errBoom
	withFailingFallback := NewRewardResolver(exec, time.Second)
	disabled := NewRewardResolver(nil, time.Second)

	assert.Equal(t, domain.UnknownReward(), withFailingFallback.Resolve(context.Background(), proposed(4, nil)))
	assert.Equal(t, domain.UnknownReward(), disabled.Resolve(context.Background(), proposed(4, relayMatch(4, nil))))

	missed := &domain.Classification{Slot: 5, Outcome: domain.OutcomeMissed}
	empty := &domain.Classification{Slot: 6, Outcome: domain.OutcomeEmptyProposed, Block: &domain.BlockSummary{Slot: 6}}
	assert.False(t, withFailingFallback.Resolve(context.Background(), missed).Known())
	assert.False(t, withFailingFallback.Resolve(context.Background(), empty).Known())
	assert.Equal(t, 1, exec.calls, "only the proposed slot reaches the execution node")
}
