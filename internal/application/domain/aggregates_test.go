package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = BLSPubKey("0xaa")

func startedAt(first Slot) *AggregateState {
	s := NewAggregateState()
	s.Progress = Progress{Started: true, FirstSlot: first, LastSlot: first - 1, PruneWatermark: first}
	return s
}

func apply(t *testing.T, s *AggregateState, r SlotRecord) {
	t.Helper()
	require.NoError(t, s.ApplyRecord(r))
	s.Progress.LastSlot = r.Slot
	require.NoError(t, s.CheckInvariant())
}

func TestAggregateState_ApplyAndRevert(t *testing.T) {
	s := startedAt(10)
	records := []SlotRecord{
		{Slot: 10, Outcome: OutcomeMissed, ProposerPubKey: testKey, Monitored: true, Provenance: ProvenanceUnknown},
		{Slot: 11, Outcome: OutcomeEmptyProposed, Provenance: ProvenanceUnknown},
		{Slot: 12, Outcome: OutcomeProposed, RelayTag: "A", Reward: NewWei(5), Provenance: ProvenanceRelayReported,
			ProposerPubKey: testKey, Monitored: true},
		{Slot: 13, Outcome: OutcomeProposed, RelayTag: "A", Provenance: ProvenanceUnknown},
	}
	for _, r := range records {
		apply(t, s, r)
	}

	a := s.Relays["A"]
	assert.Equal(t, RelayAggregate{
		Tag: "A", TotalBlocks: 2, RewardSum: NewWei(5), UnknownRewardBlocks: 1,
		MonitoredBlocks: 1, MonitoredRewardSum: NewWei(5),
	}, a)
	assert.Equal(t, NewWei(5), a.AvgReward())
	assert.Equal(t, GlobalCounters{ProcessedSlots: 4, Missed: 1, Empty: 1}, s.Global)

	vc := s.Validators[testKey]
	assert.Equal(t, uint64(1), vc.Missed)
	assert.Equal(t, uint64(1), vc.Proposed())
	assert.Equal(t, NewWei(5), vc.RewardSum)

	before := s.Clone()
	corrected := SlotRecord{Slot: 10, Outcome: OutcomeProposed, RelayTag: NoRelayTag, Reward: NewWei(2),
		Provenance: ProvenanceOnChainComputed, ProposerPubKey: testKey, Monitored: true}
	require.NoError(t, s.RevertRecord(records[0]))
	require.NoError(t, s.ApplyRecord(corrected))
	require.NoError(t, s.CheckInvariant())
	assert.Equal(t, uint64(0), s.Global.Missed)
	assert.Equal(t, uint64(1), s.Relays[NoRelayTag].TotalBlocks)
	assert.Equal(t, uint64(0), s.Validators[testKey].Missed)
	assert.Equal(t, uint64(1), before.Validators[testKey].Missed, "clone is independent")
}

func TestAggregateState_RevertNeverGoesNegative(t *testing.T) {
	s := startedAt(1)
	apply(t, s, SlotRecord{Slot: 1, Outcome: OutcomeProposed, RelayTag: "A", Reward: NewWei(1), Provenance: ProvenanceRelayReported})

	err := s.Clone().RevertRecord(SlotRecord{Slot: 1, Outcome: OutcomeProposed, RelayTag: "A", Reward: NewWei(2),
		Provenance: ProvenanceRelayReported})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvariantViolation)

	err = s.Clone().RevertRecord(SlotRecord{Slot: 1, Outcome: OutcomeMissed})
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestAggregateState_RejectsMalformedRecords(t *testing.T) {
	s := startedAt(1)
	assert.ErrorIs(t, s.Clone().ApplyRecord(SlotRecord{Slot: 1, Outcome: OutcomeProposed}), ErrInvariantViolation)
	assert.ErrorIs(t, s.Clone().ApplyRecord(SlotRecord{Slot: 1, Outcome: "orphaned"}), ErrInvariantViolation)
}

func TestAggregateState_CheckInvariant(t *testing.T) {
	s := NewAggregateState()
	require.NoError(t, s.CheckInvariant())

	s.Global.ProcessedSlots = 1
	assert.ErrorIs(t, s.CheckInvariant(), ErrInvariantViolation)

	s = startedAt(5)
	apply(t, s, SlotRecord{Slot: 5, Outcome: OutcomeMissed})
	s.Progress.LastSlot = 6
	assert.ErrorIs(t, s.CheckInvariant(), ErrInvariantViolation, "range longer than processed count")

	s.Progress.LastSlot = 5
	s.Relays["A"] = RelayAggregate{Tag: "A", TotalBlocks: 1}
	assert.ErrorIs(t, s.CheckInvariant(), ErrInvariantViolation, "slot counted twice")
}

func TestAggregateState_FoldSyncWindow(t *testing.T) {
	s := NewAggregateState()
	s.FoldSyncWindow(SyncCommitteeWindow{Participation: map[BLSPubKey]SyncParticipation{
		testKey: {Participated: 3, Missed: 1},
	}})
	s.FoldSyncWindow(SyncCommitteeWindow{Participation: map[BLSPubKey]SyncParticipation{
		testKey: {Participated: 1},
	}})
	vc := s.Validators[testKey]
	assert.Equal(t, testKey, vc.PubKey)
	assert.Equal(t, uint64(4), vc.SyncParticipated)
	assert.Equal(t, uint64(1), vc.SyncMissed)
}

func TestErrors_Classification(t *testing.T) {
	cause := &SequenceError{Expected: 3, Got: 5}
	assert.True(t, IsFatal(cause))
	assert.False(t, IsUpstreamUnavailable(cause))

	err := Unavailable(assert.AnError, "fetching block %d", 7)
	assert.True(t, IsUpstreamUnavailable(err))
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, IsFatal(err))
	assert.Contains(t, err.Error(), "fetching block 7")

	assert.True(t, IsUpstreamUnavailable(Unavailable(nil, "no duty for slot %d", 1)))
}
