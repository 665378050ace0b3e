package adapters

import (
	"context"
	"testing"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/Marketen/proposals-indexer/internal/application/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPubKey = domain.BLSPubKey("0xa1")

func setupDB(t testing.TB) *BoltStateRepository {
	repo, err := NewBoltStateRepository(t.TempDir())
	require.NoError(t, err, "Failed to instantiate DB")
	t.Cleanup(func() {
		require.NoError(t, repo.Close(), "Failed to close database")
	})
	return repo
}

func testRecord(slot domain.Slot, outcome domain.SlotOutcome) domain.SlotRecord {
	r := domain.SlotRecord{Slot: slot, Epoch: slot.Epoch(), Outcome: outcome, Provenance: domain.ProvenanceUnknown}
	if outcome == domain.OutcomeProposed {
		r.RelayTag = "A"
		r.Reward = domain.NewWei(1000)
		r.Provenance = domain.ProvenanceRelayReported
	}
	return r
}

func TestBoltStateRepository_EmptyLoad(t *testing.T) {
	repo := setupDB(t)
	state, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Progress.Started)
	assert.Empty(t, state.Relays)
	assert.Empty(t, state.Validators)
	assert.Nil(t, state.SyncWindows)
}

func TestBoltStateRepository_CommitAndLoad(t *testing.T) {
	repo := setupDB(t)
	ctx := context.Background()

	change := &ports.StateChange{
		PutRecords: []domain.SlotRecord{testRecord(10, domain.OutcomeMissed), testRecord(11, domain.OutcomeProposed)},
		Relays:     []domain.RelayAggregate{{Tag: "A", TotalBlocks: 1, RewardSum: domain.NewWei(1000)}},
		Validators: []domain.ValidatorCounters{{
			PubKey:          testPubKey,
			ProposedByRelay: map[domain.RelayTag]uint64{"A": 1},
			RewardSum:       domain.NewWei(1000),
		}},
		Global:   &domain.GlobalCounters{ProcessedSlots: 2, Missed: 1},
		Progress: &domain.Progress{Started: true, FirstSlot: 10, LastSlot: 11, PruneWatermark: 10},
		SyncWindows: []domain.SyncCommitteeWindow{{
			PeriodStartEpoch: 256,
			Current:          true,
			Members:          []domain.ValidatorIndex{1, 2},
			SlotsObserved:    2,
			LastSlot:         11,
			Participation:    map[domain.BLSPubKey]domain.SyncParticipation{testPubKey: {Participated: 2}},
		}},
	}
	require.NoError(t, repo.Commit(ctx, change))

	state, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, *change.Progress, state.Progress)
	assert.Equal(t, *change.Global, state.Global)
	assert.Equal(t, change.Relays[0], state.Relays["A"])
	assert.Equal(t, change.Validators[0], state.Validators[testPubKey])
	assert.Equal(t, change.SyncWindows, state.SyncWindows)
	require.NoError(t, state.CheckInvariant())

	rec, err := repo.SlotRecord(ctx, 11)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, change.PutRecords[1], *rec)

	rec, err = repo.SlotRecord(ctx, 12)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestBoltStateRepository_SlotRecordsRange(t *testing.T) {
	repo := setupDB(t)
	ctx := context.Background()

	// Keys must sort numerically across byte boundaries.
	var records []domain.SlotRecord
	for _, slot := range []domain.Slot{1, 255, 256, 257, 70000} {
		records = append(records, testRecord(slot, domain.OutcomeEmptyProposed))
	}
	require.NoError(t, repo.Commit(ctx, &ports.StateChange{PutRecords: records}))

	got, err := repo.SlotRecords(ctx, 2, 257)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, domain.Slot(255), got[0].Slot)
	assert.Equal(t, domain.Slot(257), got[2].Slot)

	got, err = repo.SlotRecords(ctx, 300, 200)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBoltStateRepository_DeleteBelow(t *testing.T) {
	repo := setupDB(t)
	ctx := context.Background()

	var records []domain.SlotRecord
	for slot := domain.Slot(100); slot < 110; slot++ {
		records = append(records, testRecord(slot, domain.OutcomeMissed))
	}
	require.NoError(t, repo.Commit(ctx, &ports.StateChange{PutRecords: records}))

	cutoff := domain.Slot(105)
	require.NoError(t, repo.Commit(ctx, &ports.StateChange{DeleteRecordsBelow: &cutoff}))

	got, err := repo.SlotRecords(ctx, 0, 200)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, domain.Slot(105), got[0].Slot)

	// Idempotent.
	require.NoError(t, repo.Commit(ctx, &ports.StateChange{DeleteRecordsBelow: &cutoff}))
	got, err = repo.SlotRecords(ctx, 0, 200)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestBoltStateRepository_SyncWindowsReplaced(t *testing.T) {
	repo := setupDB(t)
	ctx := context.Background()

	window := func(epoch domain.Epoch, current bool) domain.SyncCommitteeWindow {
		return domain.SyncCommitteeWindow{
			PeriodStartEpoch: epoch,
			Current:          current,
			Members:          []domain.ValidatorIndex{},
			Participation:    map[domain.BLSPubKey]domain.SyncParticipation{},
		}
	}
	require.NoError(t, repo.Commit(ctx, &ports.StateChange{SyncWindows: []domain.SyncCommitteeWindow{
		window(256, false), window(512, true),
	}}))
	require.NoError(t, repo.Commit(ctx, &ports.StateChange{SyncWindows: []domain.SyncCommitteeWindow{
		window(512, false), window(768, true),
	}}))
	// A change without windows leaves them untouched.
	require.NoError(t, repo.Commit(ctx, &ports.StateChange{}))

	state, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, state.SyncWindows, 2)
	assert.Equal(t, domain.Epoch(512), state.SyncWindows[0].PeriodStartEpoch)
	assert.Equal(t, domain.Epoch(768), state.SyncWindows[1].PeriodStartEpoch)
	assert.True(t, state.SyncWindows[1].Current)
}

func TestBoltStateRepository_ReopenKeepsState(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewBoltStateRepository(dir)
	require.NoError(t, err)
	progress := domain.Progress{Started: true, FirstSlot: 7, LastSlot: 7, PruneWatermark: 7}
	require.NoError(t, repo.Commit(context.Background(), &ports.StateChange{
		PutRecords: []domain.SlotRecord{testRecord(7, domain.OutcomeMissed)},
		Global:     &domain.GlobalCounters{ProcessedSlots: 1, Missed: 1},
		Progress:   &progress,
	}))
	require.NoError(t, repo.Close())

	repo, err = NewBoltStateRepository(dir)
	require.NoError(t, err)
	defer func() { require.NoError(t, repo.Close()) }()
	state, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress, state.Progress)
	assert.NoError(t, state.CheckInvariant())
}

func TestBoltStateRepository_CommitHonoursCancelledContext(t *testing.T) {
	repo := setupDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := repo.Commit(ctx, &ports.StateChange{PutRecords: []domain.SlotRecord{testRecord(1, domain.OutcomeMissed)}})
	require.ErrorIs(t, err, context.Canceled)

	rec, err := repo.SlotRecord(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, rec)
}
