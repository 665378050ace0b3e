package domain

import (
	"github.com/pkg/errors"
)

// RelayAggregate holds cumulative counters for one relay tag. Amounts with unknown
// provenance are counted in the UnknownRewardBlocks fields and excluded from sums.
type RelayAggregate struct {
	Tag                          RelayTag `json:"tag"`
	TotalBlocks                  uint64   `json:"total_blocks"`
	RewardSum                    Wei      `json:"reward_sum"`
	UnknownRewardBlocks          uint64   `json:"unknown_reward_blocks"`
	MonitoredBlocks              uint64   `json:"monitored_blocks"`
	MonitoredRewardSum           Wei      `json:"monitored_reward_sum"`
	MonitoredUnknownRewardBlocks uint64   `json:"monitored_unknown_reward_blocks"`
}

// AvgReward is the mean over blocks with a known reward.
func (a RelayAggregate) AvgReward() Wei {
	return a.RewardSum.Div(a.TotalBlocks - a.UnknownRewardBlocks)
}

func (a RelayAggregate) MonitoredAvgReward() Wei {
	return a.MonitoredRewardSum.Div(a.MonitoredBlocks - a.MonitoredUnknownRewardBlocks)
}

// ValidatorCounters holds cumulative counters for one monitored validator.
type ValidatorCounters struct {
	PubKey              BLSPubKey           `json:"pubkey"`
	ProposedByRelay     map[RelayTag]uint64 `json:"proposed_by_relay"`
	Missed              uint64              `json:"missed"`
	Empty               uint64              `json:"empty"`
	RewardSum           Wei                 `json:"reward_sum"`
	UnknownRewardBlocks uint64              `json:"unknown_reward_blocks"`
	SyncParticipated    uint64              `json:"sync_participated"`
	SyncMissed          uint64              `json:"sync_missed"`
}

func (v ValidatorCounters) Proposed() uint64 {
	var n uint64
	for _, c := range v.ProposedByRelay {
		n += c
	}
	return n
}

func (v ValidatorCounters) clone() ValidatorCounters {
	c := v
	c.ProposedByRelay = make(map[RelayTag]uint64, len(v.ProposedByRelay))
	for k, n := range v.ProposedByRelay {
		c.ProposedByRelay[k] = n
	}
	return c
}

// GlobalCounters counts outcomes over every processed slot.
type GlobalCounters struct {
	ProcessedSlots uint64 `json:"processed_slots"`
	Missed         uint64 `json:"missed"`
	Empty          uint64 `json:"empty"`
}

// Progress is the processed slot range and the prune watermark.
type Progress struct {
	Started        bool `json:"started"`
	FirstSlot      Slot `json:"first_slot"`
	LastSlot       Slot `json:"last_slot"`
	PruneWatermark Slot `json:"prune_watermark"`
}

// NextSlot is the slot the next append must carry.
func (p Progress) NextSlot() Slot {
	if !p.Started {
		return 0
	}
	return p.LastSlot + 1
}

// AggregateState is everything the metrics are rendered from.
type AggregateState struct {
	Progress    Progress
	Global      GlobalCounters
	Relays      map[RelayTag]RelayAggregate
	Validators  map[BLSPubKey]ValidatorCounters
	SyncWindows []SyncCommitteeWindow
}

func NewAggregateState() *AggregateState {
	return &AggregateState{
		Relays:     make(map[RelayTag]RelayAggregate),
		Validators: make(map[BLSPubKey]ValidatorCounters),
	}
}

// Clone returns a deep copy.
func (s *AggregateState) Clone() *AggregateState {
	c := &AggregateState{
		Progress:   s.Progress,
		Global:     s.Global,
		Relays:     make(map[RelayTag]RelayAggregate, len(s.Relays)),
		Validators: make(map[BLSPubKey]ValidatorCounters, len(s.Validators)),
	}
	for k, v := range s.Relays {
		c.Relays[k] = v
	}
	for k, v := range s.Validators {
		c.Validators[k] = v.clone()
	}
	if s.SyncWindows != nil {
		c.SyncWindows = make([]SyncCommitteeWindow, len(s.SyncWindows))
		for i, w := range s.SyncWindows {
			c.SyncWindows[i] = w.Clone()
		}
	}
	return c
}

// ApplyRecord adds the contribution of r to the aggregates.
func (s *AggregateState) ApplyRecord(r SlotRecord) error {
	return s.fold(r, false)
}

// RevertRecord removes the contribution of r. It fails instead of letting a counter go negative.
// On error s is left partially updated, so callers mutate a Clone.
func (s *AggregateState) RevertRecord(r SlotRecord) error {
	return s.fold(r, true)
}

func (s *AggregateState) fold(r SlotRecord, revert bool) error {
	var ok = true
	step := func(n *uint64) {
		if revert {
			if *n == 0 {
				ok = false
				return
			}
			*n--
			return
		}
		*n++
	}
	sum := func(w *Wei, amount Wei) {
		if !revert {
			*w = w.Add(amount)
			return
		}
		res, fine := w.Sub(amount)
		if !fine {
			ok = false
			return
		}
		*w = res
	}

	step(&s.Global.ProcessedSlots)

	var vc ValidatorCounters
	if r.Monitored {
		vc = s.Validators[r.ProposerPubKey].clone()
		vc.PubKey = r.ProposerPubKey
	}

	switch r.Outcome {
	case OutcomeMissed:
		step(&s.Global.Missed)
		if r.Monitored {
			step(&vc.Missed)
		}
	case OutcomeEmptyProposed:
		step(&s.Global.Empty)
		if r.Monitored {
			step(&vc.Empty)
		}
	case OutcomeProposed:
		if r.RelayTag == "" {
			return errors.Wrapf(ErrInvariantViolation, "proposed slot %d has no relay bucket", r.Slot)
		}
		agg := s.Relays[r.RelayTag]
		agg.Tag = r.RelayTag
		step(&agg.TotalBlocks)
		if r.RewardKnown() {
			sum(&agg.RewardSum, r.Reward)
		} else {
			step(&agg.UnknownRewardBlocks)
		}
		if r.Monitored {
			step(&agg.MonitoredBlocks)
			if r.RewardKnown() {
				sum(&agg.MonitoredRewardSum, r.Reward)
				sum(&vc.RewardSum, r.Reward)
			} else {
				step(&agg.MonitoredUnknownRewardBlocks)
				step(&vc.UnknownRewardBlocks)
			}
			n := vc.ProposedByRelay[r.RelayTag]
			step(&n)
			vc.ProposedByRelay[r.RelayTag] = n
		}
		s.Relays[r.RelayTag] = agg
	default:
		return errors.Wrapf(ErrInvariantViolation, "slot %d has unknown outcome %q", r.Slot, r.Outcome)
	}

	if !ok {
		return errors.Wrapf(ErrInvariantViolation, "reverting slot %d would make a counter negative", r.Slot)
	}
	if r.Monitored {
		s.Validators[r.ProposerPubKey] = vc
	}
	return nil
}

// FoldSyncWindow adds a superseded window's participation into the validator counters.
func (s *AggregateState) FoldSyncWindow(w SyncCommitteeWindow) {
	for pk, p := range w.Participation {
		vc := s.Validators[pk].clone()
		vc.PubKey = pk
		vc.SyncParticipated += p.Participated
		vc.SyncMissed += p.Missed
		s.Validators[pk] = vc
	}
}

// CheckInvariant verifies that every processed slot is accounted for exactly once.
func (s *AggregateState) CheckInvariant() error {
	var proposed uint64
	for _, a := range s.Relays {
		proposed += a.TotalBlocks
	}
	accounted := proposed + s.Global.Missed + s.Global.Empty
	if accounted != s.Global.ProcessedSlots {
		return errors.Wrapf(ErrInvariantViolation, "outcomes account for %d slots, %d processed",
			accounted, s.Global.ProcessedSlots)
	}
	if !s.Progress.Started {
		if s.Global.ProcessedSlots != 0 {
			return errors.Wrapf(ErrInvariantViolation, "%d slots processed before start", s.Global.ProcessedSlots)
		}
		return nil
	}
	if span := uint64(s.Progress.LastSlot-s.Progress.FirstSlot) + 1; span != s.Global.ProcessedSlots {
		return errors.Wrapf(ErrInvariantViolation, "range %d..%d spans %d slots, %d processed",
			s.Progress.FirstSlot, s.Progress.LastSlot, span, s.Global.ProcessedSlots)
	}
	return nil
}
