package services

import (
	"context"
	"time"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/Marketen/proposals-indexer/internal/application/ports"
	"github.com/Marketen/proposals-indexer/internal/logger"
	"github.com/pkg/errors"
)

// IndexerOptions are the scheduling, seeding and retention knobs of the SlotIndexer.
type IndexerOptions struct {
	PollInterval time.Duration
	// HeadBlockID is the block id processing runs up to: "head" or "finalized".
	HeadBlockID string
	// LastSlot, when non-zero and no state exists, makes processing start at LastSlot+1.
	LastSlot domain.Slot
	// BackfillSlots bounds the initial scan when neither state nor LastSlot exist.
	BackfillSlots uint64
	// MaxSlotsPerCycle bounds the work done by one cycle. Zero means up to head.
	MaxSlotsPerCycle uint64
	PruneEnabled     bool
	KeepLastSlots    uint64
	// RecheckMissedSlots is how many of the latest live slots are re-examined when recorded
	// as missed. Zero disables the recheck.
	RecheckMissedSlots uint64
	RequestTimeout     time.Duration
}

// SlotIndexer drives one reconciliation cycle per tick: every slot from the last processed
// one up to head goes through classifier, resolver and sync tracker, then into the store.
// Slots are processed strictly in order by a single goroutine.
type SlotIndexer struct {
	BeaconAdapter ports.BeaconChainAdapter
	Classifier    *SlotClassifier
	Resolver      *RewardResolver
	Store         *AggregationStore
	// SyncTracker is nil when sync committee tracking is disabled.
	SyncTracker *SyncCommitteeTracker
	Registry    *ValidatorRegistry
	Options     IndexerOptions
}

// NewSlotIndexer constructs a SlotIndexer with dependencies injected.
func NewSlotIndexer(
	beacon ports.BeaconChainAdapter,
	classifier *SlotClassifier,
	resolver *RewardResolver,
	store *AggregationStore,
	syncTracker *SyncCommitteeTracker,
	registry *ValidatorRegistry,
	opts IndexerOptions,
) *SlotIndexer {
	if opts.HeadBlockID == "" {
		opts.HeadBlockID = "head"
	}
	if p := store.Progress(); p.Started && opts.LastSlot > p.LastSlot {
		logger.Warn("Configured last slot %d is ahead of stored progress (%d); resuming at %d to keep the slot range contiguous",
			opts.LastSlot, p.LastSlot, p.LastSlot+1)
	}
	return &SlotIndexer{
		BeaconAdapter: beacon,
		Classifier:    classifier,
		Resolver:      resolver,
		Store:         store,
		SyncTracker:   syncTracker,
		Registry:      registry,
		Options:       opts,
	}
}

// Run starts the periodic reconciliation loop. If at interval, ticker ticks but the cycle
// has not ended, we won't start a new one, we will just wait for the next tick.
// It returns nil when ctx is cancelled and an error only when the aggregation contract
// is broken.
func (a *SlotIndexer) Run(ctx context.Context) error {
	if err := a.RunCycle(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(a.Options.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.RunCycle(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// RunCycle processes every pending slot up to head. Upstream failures only defer the
// remaining slots to the next cycle; the returned error is always fatal.
func (a *SlotIndexer) RunCycle(ctx context.Context) error {
	start := time.Now()
	defer func() { cycleDuration.Observe(time.Since(start).Seconds()) }()

	if a.Registry.Unresolved() > 0 {
		a.Registry.ResolveIndices(ctx)
	}

	head, err := a.headSlot(ctx)
	if err != nil {
		logger.Error("Error fetching %s slot: %v", a.Options.HeadBlockID, err)
		return nil
	}

	next := a.nextSlot(head)
	if next > head {
		logger.Debug("Up to date at slot %d", head)
	}

	var processed uint64
	for slot := next; slot <= head; slot++ {
		if ctx.Err() != nil {
			return nil
		}
		if a.Options.MaxSlotsPerCycle > 0 && processed >= a.Options.MaxSlotsPerCycle {
			logger.Info("Processed %d slots this cycle, %d left for the next one", processed, head-slot+1)
			break
		}
		if err := a.processSlot(ctx, slot); err != nil {
			if domain.IsFatal(err) {
				logger.Error("Aggregation contract broken at slot %d: %v", slot, err)
				return err
			}
			slotsDeferredCount.Inc()
			logger.Warn("Slot %d deferred to next cycle: %v", slot, err)
			break
		}
		processed++
	}

	if processed > 0 {
		logger.Info("Processed %d slots up to %d (head %d)", processed, a.Store.Progress().LastSlot, head)
	}
	if err := a.recheckMissed(ctx); err != nil {
		return err
	}
	a.prune(ctx)
	return nil
}

func (a *SlotIndexer) headSlot(ctx context.Context) (domain.Slot, error) {
	reqCtx, cancel := withRequestTimeout(ctx, a.Options.RequestTimeout)
	defer cancel()
	return a.BeaconAdapter.GetHeadSlot(reqCtx, a.Options.HeadBlockID)
}

// nextSlot resumes after the stored progress, or seeds from the configured last slot or a
// bounded backfill below head.
func (a *SlotIndexer) nextSlot(head domain.Slot) domain.Slot {
	if p := a.Store.Progress(); p.Started {
		return p.NextSlot()
	}
	if a.Options.LastSlot > 0 {
		return a.Options.LastSlot + 1
	}
	if uint64(head) > a.Options.BackfillSlots {
		return head - domain.Slot(a.Options.BackfillSlots)
	}
	return 0
}

// processSlot is side-effect free until the final Append, so an interrupted slot is simply
// retried from scratch.
func (a *SlotIndexer) processSlot(ctx context.Context, slot domain.Slot) error {
	cls, err := a.Classifier.Classify(ctx, slot)
	if err != nil {
		return err
	}
	reward := a.Resolver.Resolve(ctx, cls)
	record := domain.NewSlotRecord(cls, reward)

	var syncUpdate *domain.SyncCommitteeUpdate
	if a.SyncTracker != nil {
		syncUpdate, err = a.SyncTracker.Prepare(ctx, slot, cls.Outcome, a.Store.SyncWindows())
		if err != nil {
			return err
		}
	}

	if err := a.Store.Append(ctx, record, syncUpdate); err != nil {
		return err
	}
	slotsProcessedCount.WithLabelValues(string(record.Outcome)).Inc()
	logRecord(record)
	return nil
}

// recheckMissed re-classifies recent slots recorded as missed and corrects the ones that
// turn out to hold a block.
func (a *SlotIndexer) recheckMissed(ctx context.Context) error {
	depth := a.Options.RecheckMissedSlots
	p := a.Store.Progress()
	if depth == 0 || !p.Started {
		return nil
	}
	from := p.PruneWatermark
	if uint64(p.LastSlot)+1 > depth && p.LastSlot-domain.Slot(depth)+1 > from {
		from = p.LastSlot - domain.Slot(depth) + 1
	}
	records, err := a.Store.SlotRecords(ctx, from, p.LastSlot)
	if err != nil {
		logger.Warn("Could not read slots %d-%d for recheck: %v", from, p.LastSlot, err)
		return nil
	}

	for _, old := range records {
		if old.Outcome != domain.OutcomeMissed || ctx.Err() != nil {
			continue
		}
		cls, err := a.Classifier.Classify(ctx, old.Slot)
		if err != nil {
			logger.Debug("Recheck of slot %d skipped: %v", old.Slot, err)
			continue
		}
		if cls.Outcome == domain.OutcomeMissed {
			continue
		}
		record := domain.NewSlotRecord(cls, a.Resolver.Resolve(ctx, cls))
		err = a.Store.Correct(ctx, old.Slot, record)
		var pruned *domain.SlotAlreadyPrunedError
		switch {
		case err == nil:
			correctionsCount.WithLabelValues("applied").Inc()
			logger.Info("Slot %d was recorded as missed but holds a block; corrected to %s", old.Slot, record.Outcome)
		case errors.As(err, &pruned):
			correctionsCount.WithLabelValues("dropped").Inc()
			logger.Warn("Correction dropped: %v", err)
		case domain.IsFatal(err):
			logger.Error("Aggregation contract broken correcting slot %d: %v", old.Slot, err)
			return err
		default:
			logger.Warn("Could not correct slot %d: %v", old.Slot, err)
		}
	}
	return nil
}

func (a *SlotIndexer) prune(ctx context.Context) {
	if !a.Options.PruneEnabled {
		return
	}
	before := a.Store.Progress().PruneWatermark
	watermark, err := a.Store.Prune(ctx, a.Options.KeepLastSlots)
	if err != nil {
		logger.Error("Error pruning slot records: %v", err)
		return
	}
	if watermark != before {
		logger.Debug("Pruned slot records below %d", watermark)
	}
}

func logRecord(r domain.SlotRecord) {
	if !r.Monitored {
		logger.Debug("Slot %d: %s (proposer %d)", r.Slot, r.Outcome, r.ProposerIndex)
		return
	}
	switch r.Outcome {
	case domain.OutcomeProposed:
		logger.Info("✅ Validator %d proposed a block at slot %d via %s (reward %s wei, %s)",
			r.ProposerIndex, r.Slot, r.RelayTag, r.Reward, r.Provenance)
	case domain.OutcomeEmptyProposed:
		logger.Warn("⚠️ Validator %d proposed an empty block at slot %d", r.ProposerIndex, r.Slot)
	case domain.OutcomeMissed:
		logger.Warn("❌ Validator %d was scheduled to propose at slot %d but did not", r.ProposerIndex, r.Slot)
	}
}
