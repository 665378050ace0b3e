package domain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Basic consensus types
type Epoch uint64
type Slot uint64
type ValidatorIndex uint64

// BLSPubKey is a validator public key in lowercase 0x-prefixed hex form.
type BLSPubKey string

// RelayTag names a relay as configured by the operator.
type RelayTag string

const (
	SlotsPerEpoch                = Slot(32) // Ethereum consensus constant
	EpochsPerSyncCommitteePeriod = Epoch(256)

	// NoRelayTag is the aggregate bucket for locally built blocks.
	NoRelayTag = RelayTag("none")
)

// NormalizePubKey lowercases a key and makes sure it carries the 0x prefix.
func NormalizePubKey(s string) BLSPubKey {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return BLSPubKey(s)
}

func (s Slot) Epoch() Epoch {
	return Epoch(s / SlotsPerEpoch)
}

func (e Epoch) StartSlot() Slot {
	return Slot(e) * SlotsPerEpoch
}

// SyncCommitteePeriodStart returns the first epoch of the sync committee period containing e.
func (e Epoch) SyncCommitteePeriodStart() Epoch {
	return e - e%EpochsPerSyncCommitteePeriod
}

// Validator is a monitored validator. The index is resolved lazily.
type Validator struct {
	PubKey        BLSPubKey
	Index         ValidatorIndex
	IndexResolved bool
}

// ProposerDuty describes the scheduled block proposal for a slot.
type ProposerDuty struct {
	ValidatorIndex ValidatorIndex
	PubKey         BLSPubKey
	Slot           Slot
}

// BlockSummary is the part of a beacon block needed to classify a slot.
type BlockSummary struct {
	Slot             Slot
	ProposerIndex    ValidatorIndex
	BlockHash        common.Hash // execution payload block hash
	FeeRecipient     common.Address
	TransactionCount int
}

// DeliveredPayload is a relay's record of a payload it delivered to a proposer.
type DeliveredPayload struct {
	Slot                 Slot
	BlockHash            common.Hash
	ProposerPubKey       BLSPubKey
	ProposerFeeRecipient common.Address
	// Value is nil when the relay did not report a payment.
	Value *Wei
}

// RewardComponents is the on-chain breakdown of what a block paid its proposer.
type RewardComponents struct {
	PriorityFees   Wei
	DirectTransfer Wei
}
