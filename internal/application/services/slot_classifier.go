package services

import (
	"context"
	"time"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/Marketen/proposals-indexer/internal/application/ports"
	"github.com/Marketen/proposals-indexer/internal/logger"
	"golang.org/x/sync/errgroup"
)

// RelayQueryStatus is the tagged result of asking one relay about a slot.
type RelayQueryStatus int

const (
	RelayNoMatch RelayQueryStatus = iota
	RelayMatched
	RelayUnavailable
)

func (s RelayQueryStatus) String() string {
	switch s {
	case RelayMatched:
		return "matched"
	case RelayUnavailable:
		return "unavailable"
	default:
		return "no-match"
	}
}

// RelayQueryResult is what one relay said about a slot.
type RelayQueryResult struct {
	Tag     domain.RelayTag
	Status  RelayQueryStatus
	Payload *domain.DeliveredPayload
	Err     error
}

// SlotClassifier turns duty, block and relay facts into a slot outcome. It has no side effects.
type SlotClassifier struct {
	BeaconAdapter ports.BeaconChainAdapter
	// Relays in configuration order. When more than one relay claims a block, the first
	// one in this order wins.
	Relays           []ports.RelayAdapter
	Registry         *ValidatorRegistry
	RelayConcurrency int
	RequestTimeout   time.Duration
}

// NewSlotClassifier constructs a SlotClassifier with dependencies injected.
func NewSlotClassifier(
	beacon ports.BeaconChainAdapter,
	relays []ports.RelayAdapter,
	registry *ValidatorRegistry,
	relayConcurrency int,
	requestTimeout time.Duration,
) *SlotClassifier {
	if relayConcurrency <= 0 {
		relayConcurrency = 1
	}
	return &SlotClassifier{
		BeaconAdapter:    beacon,
		Relays:           relays,
		Registry:         registry,
		RelayConcurrency: relayConcurrency,
		RequestTimeout:   requestTimeout,
	}
}

// Classify determines what happened at slot. Beacon node failures are returned wrapped
// in domain.ErrUpstreamUnavailable and must not be read as a missed slot.
func (c *SlotClassifier) Classify(ctx context.Context, slot domain.Slot) (*domain.Classification, error) {
	duty, err := c.proposerDuty(ctx, slot)
	if err != nil {
		return nil, err
	}

	cls := &domain.Classification{
		Slot:      slot,
		Duty:      *duty,
		Monitored: c.Registry.IsMonitored(duty.PubKey),
	}

	block, err := c.block(ctx, slot)
	if err != nil {
		return nil, err
	}
	switch {
	case block == nil:
		cls.Outcome = domain.OutcomeMissed
		return cls, nil
	case block.TransactionCount == 0:
		cls.Block = block
		cls.Outcome = domain.OutcomeEmptyProposed
		return cls, nil
	}

	cls.Block = block
	cls.Outcome = domain.OutcomeProposed
	results := c.queryRelays(ctx, slot, block)
	if match := firstMatch(results); match != nil {
		cls.Relay = &domain.RelayMatch{Tag: match.Tag, Payload: *match.Payload}
	}
	return cls, nil
}

func (c *SlotClassifier) proposerDuty(ctx context.Context, slot domain.Slot) (*domain.ProposerDuty, error) {
	reqCtx, cancel := withRequestTimeout(ctx, c.RequestTimeout)
	defer cancel()

	duty, err := c.BeaconAdapter.GetProposerDuty(reqCtx, slot)
	if err != nil {
		return nil, domain.Unavailable(err, "proposer duty for slot %d", slot)
	}
	if duty == nil {
		return nil, domain.Unavailable(nil, "proposer duty for slot %d not yet known", slot)
	}
	return duty, nil
}

func (c *SlotClassifier) block(ctx context.Context, slot domain.Slot) (*domain.BlockSummary, error) {
	reqCtx, cancel := withRequestTimeout(ctx, c.RequestTimeout)
	defer cancel()

	block, err := c.BeaconAdapter.GetBlock(reqCtx, slot)
	if err != nil {
		return nil, domain.Unavailable(err, "block at slot %d", slot)
	}
	return block, nil
}

// queryRelays asks every relay concurrently. Results keep configuration order. A slow or
// failing relay only produces an Unavailable entry.
func (c *SlotClassifier) queryRelays(ctx context.Context, slot domain.Slot, block *domain.BlockSummary) []RelayQueryResult {
	results := make([]RelayQueryResult, len(c.Relays))
	g := new(errgroup.Group)
	g.SetLimit(c.RelayConcurrency)

	for i, relay := range c.Relays {
		i, relay := i, relay
		g.Go(func() error {
			results[i] = c.queryRelay(ctx, relay, slot, block)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch r.Status {
		case RelayUnavailable:
			relayQueryFailures.WithLabelValues(string(r.Tag)).Inc()
			logger.Warn("Relay %s unavailable for slot %d: %v", r.Tag, slot, r.Err)
		case RelayMatched:
			logger.Debug("Relay %s delivered block %s at slot %d", r.Tag, block.BlockHash.Hex(), slot)
		}
	}
	return results
}

func (c *SlotClassifier) queryRelay(
	ctx context.Context,
	relay ports.RelayAdapter,
	slot domain.Slot,
	block *domain.BlockSummary,
) RelayQueryResult {
	reqCtx, cancel := withRequestTimeout(ctx, c.RequestTimeout)
	defer cancel()

	res := RelayQueryResult{Tag: relay.Tag()}
	payloads, err := relay.GetDeliveredPayloads(reqCtx, slot)
	if err != nil {
		res.Status = RelayUnavailable
		res.Err = err
		return res
	}
	for i := range payloads {
		if payloads[i].Slot == slot && payloads[i].BlockHash == block.BlockHash {
			res.Status = RelayMatched
			res.Payload = &payloads[i]
			return res
		}
	}
	res.Status = RelayNoMatch
	return res
}

// firstMatch applies the tie-break: the first relay in configuration order that matched.
func firstMatch(results []RelayQueryResult) *RelayQueryResult {
	var first *RelayQueryResult
	for i := range results {
		if results[i].Status != RelayMatched {
			continue
		}
		if first == nil {
			first = &results[i]
			continue
		}
		logger.Warn("Relay %s also claims the block delivered by %s; keeping %s",
			results[i].Tag, first.Tag, first.Tag)
	}
	return first
}

func withRequestTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
