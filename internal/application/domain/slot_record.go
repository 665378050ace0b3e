package domain

// SlotOutcome is what happened at a proposal slot.
type SlotOutcome string

const (
	OutcomeProposed      SlotOutcome = "proposed"
	OutcomeMissed        SlotOutcome = "missed"
	OutcomeEmptyProposed SlotOutcome = "empty"
)

// RewardProvenance tells where a reward value came from. Precedence is
// RelayReported > OnChainComputed > Unknown.
type RewardProvenance string

const (
	ProvenanceRelayReported   RewardProvenance = "relay"
	ProvenanceOnChainComputed RewardProvenance = "onchain"
	ProvenanceUnknown         RewardProvenance = "unknown"
)

// Reward is a resolved reward value. Amount is meaningless when Provenance is Unknown.
type Reward struct {
	Amount     Wei
	Provenance RewardProvenance
}

func UnknownReward() Reward {
	return Reward{Provenance: ProvenanceUnknown}
}

func (r Reward) Known() bool {
	return r.Provenance != ProvenanceUnknown
}

// RelayMatch is the relay that delivered the payload of a proposed block.
type RelayMatch struct {
	Tag     RelayTag
	Payload DeliveredPayload
}

// Classification is the outcome of a slot before its reward is resolved.
type Classification struct {
	Slot      Slot
	Duty      ProposerDuty
	Monitored bool
	Outcome   SlotOutcome
	// Block is nil for missed slots.
	Block *BlockSummary
	// Relay is nil unless a configured relay delivered the block.
	Relay *RelayMatch
}

// RelayTag returns the aggregate bucket this classification falls into, or "" for
// missed and empty slots.
func (c *Classification) RelayTag() RelayTag {
	if c.Outcome != OutcomeProposed {
		return ""
	}
	if c.Relay == nil {
		return NoRelayTag
	}
	return c.Relay.Tag
}

// SlotRecord is the persisted outcome of one processed slot.
type SlotRecord struct {
	Slot           Slot             `json:"slot"`
	Epoch          Epoch            `json:"epoch"`
	ProposerIndex  ValidatorIndex   `json:"proposer_index"`
	ProposerPubKey BLSPubKey        `json:"proposer_pubkey,omitempty"`
	Outcome        SlotOutcome      `json:"outcome"`
	RelayTag       RelayTag         `json:"relay,omitempty"`
	Reward         Wei              `json:"reward"`
	Provenance     RewardProvenance `json:"provenance"`
	Monitored      bool             `json:"monitored"`
}

// NewSlotRecord combines a classification and its resolved reward.
func NewSlotRecord(c *Classification, reward Reward) SlotRecord {
	r := SlotRecord{
		Slot:           c.Slot,
		Epoch:          c.Slot.Epoch(),
		ProposerIndex:  c.Duty.ValidatorIndex,
		ProposerPubKey: c.Duty.PubKey,
		Outcome:        c.Outcome,
		RelayTag:       c.RelayTag(),
		Provenance:     reward.Provenance,
		Monitored:      c.Monitored,
	}
	if reward.Known() {
		r.Reward = reward.Amount
	}
	return r
}

func (r SlotRecord) RewardKnown() bool {
	return r.Provenance != ProvenanceUnknown
}
