package services

import (
	"context"
	"sort"
	"sync"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/Marketen/proposals-indexer/internal/application/ports"
	"github.com/pkg/errors"
)

// AggregationStore is the single owner of slot records, cumulative counters and the prune
// watermark. Counters are folded in on the write path, so pruning never recomputes
// anything and metrics never scan history.
//
// Append, Prune and Correct are serialized by writeMu. The committed state is cached in
// memory and swapped under stateMu only after the repository commit succeeded, so readers
// always see the last committed state.
type AggregationStore struct {
	repo ports.StateRepository

	writeMu sync.Mutex
	stateMu sync.RWMutex
	state   *domain.AggregateState
}

// OpenAggregationStore loads the persisted state and validates it.
func OpenAggregationStore(ctx context.Context, repo ports.StateRepository) (*AggregationStore, error) {
	state, err := repo.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not load aggregation state")
	}
	if err := state.CheckInvariant(); err != nil {
		return nil, errors.Wrap(err, "persisted aggregation state is inconsistent")
	}
	return &AggregationStore{repo: repo, state: state}, nil
}

// Append persists a record for the slot following the last processed one, together with its
// counter deltas and the sync committee update (may be nil), as one atomic commit.
func (s *AggregationStore) Append(ctx context.Context, record domain.SlotRecord, syncUpdate *domain.SyncCommitteeUpdate) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current()
	if cur.Progress.Started && record.Slot != cur.Progress.LastSlot+1 {
		return &domain.SequenceError{Expected: cur.Progress.LastSlot + 1, Got: record.Slot}
	}

	next := cur.Clone()
	if !next.Progress.Started {
		next.Progress = domain.Progress{
			Started:        true,
			FirstSlot:      record.Slot,
			LastSlot:       record.Slot,
			PruneWatermark: record.Slot,
		}
	} else {
		next.Progress.LastSlot = record.Slot
	}
	if err := next.ApplyRecord(record); err != nil {
		return err
	}

	if syncUpdate != nil {
		for _, w := range syncUpdate.Folded {
			next.FoldSyncWindow(w)
		}
		next.SyncWindows = cloneWindows(syncUpdate.Windows)
		if next.SyncWindows == nil {
			next.SyncWindows = []domain.SyncCommitteeWindow{}
		}
	}

	change := &ports.StateChange{
		PutRecords: []domain.SlotRecord{record},
		Global:     &next.Global,
		Progress:   &next.Progress,
	}
	touchRecord(change, next, record)
	if syncUpdate != nil {
		for _, w := range syncUpdate.Folded {
			for pk := range w.Participation {
				touchValidator(change, next, pk)
			}
		}
		change.SyncWindows = next.SyncWindows
	}

	return s.commit(ctx, next, change)
}

// Prune deletes records with slot < LastSlot-keepLastN+1 and advances the watermark.
// Aggregates are not touched. Calling it again with the same argument deletes nothing.
func (s *AggregationStore) Prune(ctx context.Context, keepLastN uint64) (domain.Slot, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current()
	if !cur.Progress.Started || keepLastN == 0 {
		return cur.Progress.PruneWatermark, nil
	}
	if uint64(cur.Progress.LastSlot)+1 <= keepLastN {
		return cur.Progress.PruneWatermark, nil
	}
	cutoff := cur.Progress.LastSlot - domain.Slot(keepLastN) + 1
	if cutoff <= cur.Progress.PruneWatermark {
		return cur.Progress.PruneWatermark, nil
	}

	next := cur.Clone()
	next.Progress.PruneWatermark = cutoff
	change := &ports.StateChange{
		DeleteRecordsBelow: &cutoff,
		Progress:           &next.Progress,
	}
	if err := s.commit(ctx, next, change); err != nil {
		return cur.Progress.PruneWatermark, err
	}
	return cutoff, nil
}

// Correct rewrites a live slot record, replacing its counter contribution with the new one.
func (s *AggregationStore) Correct(ctx context.Context, slot domain.Slot, record domain.SlotRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if record.Slot != slot {
		return errors.Errorf("correction for slot %d carries record for slot %d", slot, record.Slot)
	}
	cur := s.current()
	if !cur.Progress.Started || slot > cur.Progress.LastSlot {
		return errors.Errorf("slot %d has not been processed", slot)
	}
	if slot < cur.Progress.PruneWatermark {
		return &domain.SlotAlreadyPrunedError{Slot: slot, Watermark: cur.Progress.PruneWatermark}
	}

	old, err := s.repo.SlotRecord(ctx, slot)
	if err != nil {
		return errors.Wrapf(err, "could not read record of slot %d", slot)
	}
	if old == nil {
		return errors.Wrapf(domain.ErrInvariantViolation, "live slot %d has no record", slot)
	}

	next := cur.Clone()
	if err := next.RevertRecord(*old); err != nil {
		return err
	}
	if err := next.ApplyRecord(record); err != nil {
		return err
	}

	change := &ports.StateChange{
		PutRecords: []domain.SlotRecord{record},
		Global:     &next.Global,
	}
	touchRecord(change, next, *old)
	touchRecord(change, next, record)
	return s.commit(ctx, next, change)
}

// Snapshot returns a deep copy of the last committed state.
func (s *AggregationStore) Snapshot() *domain.MetricsSnapshot {
	return s.current().Clone()
}

func (s *AggregationStore) Progress() domain.Progress {
	return s.current().Progress
}

// SyncWindows returns a copy of the live sync committee windows.
func (s *AggregationStore) SyncWindows() []domain.SyncCommitteeWindow {
	return cloneWindows(s.current().SyncWindows)
}

func (s *AggregationStore) SlotRecord(ctx context.Context, slot domain.Slot) (*domain.SlotRecord, error) {
	return s.repo.SlotRecord(ctx, slot)
}

func (s *AggregationStore) SlotRecords(ctx context.Context, from, to domain.Slot) ([]domain.SlotRecord, error) {
	return s.repo.SlotRecords(ctx, from, to)
}

func (s *AggregationStore) current() *domain.AggregateState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// commit checks the invariant on the candidate state, persists the change and only then
// publishes the candidate. The published state is never mutated afterwards.
func (s *AggregationStore) commit(ctx context.Context, next *domain.AggregateState, change *ports.StateChange) error {
	if err := next.CheckInvariant(); err != nil {
		return err
	}
	sortChange(change)
	if err := s.repo.Commit(ctx, change); err != nil {
		return errors.Wrap(err, "could not commit aggregation state")
	}
	s.stateMu.Lock()
	s.state = next
	s.stateMu.Unlock()
	return nil
}

func touchRecord(change *ports.StateChange, state *domain.AggregateState, r domain.SlotRecord) {
	if r.Outcome == domain.OutcomeProposed && r.RelayTag != "" {
		touchRelay(change, state, r.RelayTag)
	}
	if r.Monitored {
		touchValidator(change, state, r.ProposerPubKey)
	}
}

func touchRelay(change *ports.StateChange, state *domain.AggregateState, tag domain.RelayTag) {
	for i := range change.Relays {
		if change.Relays[i].Tag == tag {
			change.Relays[i] = state.Relays[tag]
			return
		}
	}
	change.Relays = append(change.Relays, state.Relays[tag])
}

func touchValidator(change *ports.StateChange, state *domain.AggregateState, pk domain.BLSPubKey) {
	for i := range change.Validators {
		if change.Validators[i].PubKey == pk {
			change.Validators[i] = state.Validators[pk]
			return
		}
	}
	change.Validators = append(change.Validators, state.Validators[pk])
}

func sortChange(change *ports.StateChange) {
	sort.Slice(change.Relays, func(i, j int) bool { return change.Relays[i].Tag < change.Relays[j].Tag })
	sort.Slice(change.Validators, func(i, j int) bool { return change.Validators[i].PubKey < change.Validators[j].PubKey })
}

func cloneWindows(windows []domain.SyncCommitteeWindow) []domain.SyncCommitteeWindow {
	if windows == nil {
		return nil
	}
	out := make([]domain.SyncCommitteeWindow, len(windows))
	for i, w := range windows {
		out[i] = w.Clone()
	}
	return out
}
