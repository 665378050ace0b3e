package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/Marketen/proposals-indexer/internal/application/ports"
	"github.com/Marketen/proposals-indexer/internal/logger"
	"golang.org/x/sync/semaphore"
)

// ValidatorRegistry is the monitored validator set. Indices are resolved lazily and
// cached for the process lifetime.
type ValidatorRegistry struct {
	BeaconAdapter     ports.BeaconChainAdapter
	LookupConcurrency int64
	RequestTimeout    time.Duration

	mu         sync.RWMutex
	validators map[domain.BLSPubKey]*domain.Validator
	byIndex    map[domain.ValidatorIndex]domain.BLSPubKey
}

// NewValidatorRegistry builds the registry from the configured keys.
func NewValidatorRegistry(
	beacon ports.BeaconChainAdapter,
	pubkeys []domain.BLSPubKey,
	lookupConcurrency int64,
	requestTimeout time.Duration,
) *ValidatorRegistry {
	if lookupConcurrency <= 0 {
		lookupConcurrency = 1
	}
	r := &ValidatorRegistry{
		BeaconAdapter:     beacon,
		LookupConcurrency: lookupConcurrency,
		RequestTimeout:    requestTimeout,
		validators:        make(map[domain.BLSPubKey]*domain.Validator, len(pubkeys)),
		byIndex:           make(map[domain.ValidatorIndex]domain.BLSPubKey, len(pubkeys)),
	}
	for _, pk := range pubkeys {
		r.validators[pk] = &domain.Validator{PubKey: pk}
	}
	return r
}

// IsMonitored reports whether a proposer public key belongs to the monitored set.
func (r *ValidatorRegistry) IsMonitored(pubkey domain.BLSPubKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.validators[pubkey]
	return ok
}

// PubKeyByIndex returns the monitored validator with a resolved index.
func (r *ValidatorRegistry) PubKeyByIndex(index domain.ValidatorIndex) (domain.BLSPubKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pk, ok := r.byIndex[index]
	return pk, ok
}

// Validators returns a copy of the monitored set sorted by public key.
func (r *ValidatorRegistry) Validators() []domain.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Validator, 0, len(r.validators))
	for _, v := range r.validators {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PubKey < out[j].PubKey })
	return out
}

// Unresolved returns the number of validators whose index is not known yet.
func (r *ValidatorRegistry) Unresolved() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, v := range r.validators {
		if !v.IndexResolved {
			n++
		}
	}
	return n
}

// ResolveIndices looks up every unresolved index concurrently, at most
// LookupConcurrency requests in flight. Failed lookups stay unresolved and are retried
// on the next call.
func (r *ValidatorRegistry) ResolveIndices(ctx context.Context) {
	var pending []domain.BLSPubKey
	r.mu.RLock()
	for pk, v := range r.validators {
		if !v.IndexResolved {
			pending = append(pending, pk)
		}
	}
	r.mu.RUnlock()
	if len(pending) == 0 {
		return
	}

	sem := semaphore.NewWeighted(r.LookupConcurrency)
	var wg sync.WaitGroup
	for _, pk := range pending {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(pk domain.BLSPubKey) {
			defer wg.Done()
			defer sem.Release(1)
			r.resolve(ctx, pk)
		}(pk)
	}
	wg.Wait()

	if n := r.Unresolved(); n > 0 {
		logger.Warn("%d of %d monitored validators have no index yet", n, len(r.validators))
	}
}

func (r *ValidatorRegistry) resolve(ctx context.Context, pk domain.BLSPubKey) {
	reqCtx, cancel := withRequestTimeout(ctx, r.RequestTimeout)
	defer cancel()

	index, found, err := r.BeaconAdapter.GetValidatorIndex(reqCtx, pk)
	if err != nil {
		logger.Warn("Could not resolve index of validator %s: %v", pk, err)
		return
	}
	if !found {
		logger.Debug("Validator %s not known to the beacon node yet", pk)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.validators[pk]
	v.Index = index
	v.IndexResolved = true
	r.byIndex[index] = pk
	logger.Debug("Resolved validator %s to index %d", pk, index)
}
