package services

import (
	"context"
	"sync"
	"time"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/Marketen/proposals-indexer/internal/application/ports"
	"github.com/Marketen/proposals-indexer/internal/logger"
	"github.com/prysmaticlabs/go-bitfield"
)

// SyncCommitteeTracker records per-slot sync committee participation of monitored
// validators. A window goes Pending (period seen, members unknown) -> Active (current)
// -> Superseded (previous, still published) -> folded into the validator counters.
type SyncCommitteeTracker struct {
	BeaconAdapter  ports.BeaconChainAdapter
	Registry       *ValidatorRegistry
	RequestTimeout time.Duration

	mu sync.Mutex
	// periods the beacon node reported as having no sync committee (pre-Altair)
	noCommittee map[domain.Epoch]struct{}
}

// NewSyncCommitteeTracker constructs a SyncCommitteeTracker with dependencies injected.
func NewSyncCommitteeTracker(
	beacon ports.BeaconChainAdapter,
	registry *ValidatorRegistry,
	requestTimeout time.Duration,
) *SyncCommitteeTracker {
	return &SyncCommitteeTracker{
		BeaconAdapter:  beacon,
		Registry:       registry,
		RequestTimeout: requestTimeout,
	}
}

// Prepare computes the window update for one slot without mutating anything. The returned
// update is applied by AggregationStore.Append in the same commit as the slot record.
// A nil update means the slot does not touch any window.
func (t *SyncCommitteeTracker) Prepare(
	ctx context.Context,
	slot domain.Slot,
	outcome domain.SlotOutcome,
	windows []domain.SyncCommitteeWindow,
) (*domain.SyncCommitteeUpdate, error) {
	period := slot.Epoch().SyncCommitteePeriodStart()
	update := &domain.SyncCommitteeUpdate{Windows: cloneWindows(windows)}

	cur, hasCurrent := domain.CurrentSyncWindow(update.Windows)
	switch {
	case hasCurrent && cur.PeriodStartEpoch > period:
		logger.Warn("Slot %d precedes the current sync committee period %d; not recorded", slot, cur.PeriodStartEpoch)
		return nil, nil
	case !hasCurrent || cur.PeriodStartEpoch < period:
		if !hasCurrent && t.knownEmpty(period) {
			return nil, nil
		}
		members, err := t.committee(ctx, period)
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			if hasCurrent {
				// Sync committees never disappear once they exist.
				return nil, domain.Unavailable(nil, "no sync committee for period %d after period %d", period, cur.PeriodStartEpoch)
			}
			t.markEmpty(period)
			return nil, nil
		}
		update.Windows, update.Folded = rotate(update.Windows, domain.SyncCommitteeWindow{
			PeriodStartEpoch: period,
			Members:          members,
			Current:          true,
			Participation:    make(map[domain.BLSPubKey]domain.SyncParticipation),
		})
		logger.Info("Sync committee period starting at epoch %d is now current (%d members)", period, len(members))
	}

	var bits bitfield.Bitvector512
	if outcome != domain.OutcomeMissed {
		var err error
		if bits, err = t.participation(ctx, slot); err != nil {
			return nil, err
		}
	}

	for i := range update.Windows {
		if update.Windows[i].Current {
			t.observe(&update.Windows[i], slot, bits)
			break
		}
	}
	return update, nil
}

// observe counts one slot. Missing bits (missed slot, no block) count as non-participation.
func (t *SyncCommitteeTracker) observe(w *domain.SyncCommitteeWindow, slot domain.Slot, bits bitfield.Bitvector512) {
	for pos, index := range w.Members {
		pk, ok := t.Registry.PubKeyByIndex(index)
		if !ok {
			continue
		}
		p := w.Participation[pk]
		if bits != nil && uint64(pos) < bits.Len() && bits.BitAt(uint64(pos)) {
			p.Participated++
		} else {
			p.Missed++
		}
		w.Participation[pk] = p
	}
	w.SlotsObserved++
	w.LastSlot = slot
}

// rotate makes next the current window, keeps the old current one as previous and returns
// every older window for folding.
func rotate(windows []domain.SyncCommitteeWindow, next domain.SyncCommitteeWindow) (live, folded []domain.SyncCommitteeWindow) {
	live = []domain.SyncCommitteeWindow{next}
	for _, w := range windows {
		if w.Current {
			w.Current = false
			live = append(live, w)
			continue
		}
		folded = append(folded, w)
	}
	return live, folded
}

func (t *SyncCommitteeTracker) committee(ctx context.Context, period domain.Epoch) ([]domain.ValidatorIndex, error) {
	reqCtx, cancel := withRequestTimeout(ctx, t.RequestTimeout)
	defer cancel()

	members, err := t.BeaconAdapter.GetSyncCommittee(reqCtx, period)
	if err != nil {
		return nil, domain.Unavailable(err, "sync committee for epoch %d", period)
	}
	return members, nil
}

func (t *SyncCommitteeTracker) knownEmpty(period domain.Epoch) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.noCommittee[period]
	return ok
}

func (t *SyncCommitteeTracker) markEmpty(period domain.Epoch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.noCommittee == nil {
		t.noCommittee = make(map[domain.Epoch]struct{})
	}
	t.noCommittee[period] = struct{}{}
}

func (t *SyncCommitteeTracker) participation(ctx context.Context, slot domain.Slot) (bitfield.Bitvector512, error) {
	reqCtx, cancel := withRequestTimeout(ctx, t.RequestTimeout)
	defer cancel()

	bits, err := t.BeaconAdapter.GetSyncParticipation(reqCtx, slot)
	if err != nil {
		return nil, domain.Unavailable(err, "sync participation at slot %d", slot)
	}
	return bits, nil
}
