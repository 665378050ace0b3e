package adapters

import (
	"context"
	"encoding/hex"
	"fmt"
	nethttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/Marketen/proposals-indexer/internal/application/ports"
	"github.com/Marketen/proposals-indexer/internal/logger"

	"github.com/attestantio/go-eth2-client/api"
	eth2http "github.com/attestantio/go-eth2-client/http"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/bellatrix"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prysmaticlabs/go-bitfield"
	"github.com/rs/zerolog"
)

const (
	dutyCacheSize  = 8  // epochs of proposer duties
	blockCacheSize = 64 // blocks, shared by GetBlock and GetSyncParticipation
)

// beaconHTTPClient implements ports.BeaconChainAdapter using go-eth2-client.
type beaconHTTPClient struct {
	client *eth2http.Service

	duties *lru.Cache[domain.Epoch, map[domain.Slot]domain.ProposerDuty]
	blocks *lru.Cache[domain.Slot, *spec.VersionedSignedBeaconBlock]

	mu     sync.Mutex
	altair *domain.Epoch
}

// NewBeaconHTTPAdapter is the constructor used from main.go. Building the client contacts
// the node, so an unreachable endpoint fails here.
func NewBeaconHTTPAdapter(ctx context.Context, endpoint string, timeout time.Duration) (ports.BeaconChainAdapter, error) {
	customHTTPClient := &nethttp.Client{
		Timeout: 10 * timeout, // global upper bound; per-request timeout below
	}

	client, err := eth2http.New(
		ctx,
		eth2http.WithAddress(endpoint),
		eth2http.WithHTTPClient(customHTTPClient),
		eth2http.WithTimeout(timeout),
		// go-eth2-client logs through zerolog too; keep it quiet below warnings.
		eth2http.WithLogLevel(zerolog.WarnLevel),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to beacon node at %s", endpoint)
	}
	svc := client.(*eth2http.Service)

	if version, err := svc.NodeVersion(ctx, &api.NodeVersionOpts{}); err == nil {
		logger.Info("Connected to beacon node %s", version.Data)
	}

	duties, err := lru.New[domain.Epoch, map[domain.Slot]domain.ProposerDuty](dutyCacheSize)
	if err != nil {
		return nil, err
	}
	blocks, err := lru.New[domain.Slot, *spec.VersionedSignedBeaconBlock](blockCacheSize)
	if err != nil {
		return nil, err
	}
	return &beaconHTTPClient{client: svc, duties: duties, blocks: blocks}, nil
}

// GetHeadSlot returns the slot of the block identified by blockID.
func (b *beaconHTTPClient) GetHeadSlot(ctx context.Context, blockID string) (domain.Slot, error) {
	resp, err := b.client.BeaconBlockHeader(ctx, &api.BeaconBlockHeaderOpts{Block: blockID})
	if err != nil {
		return 0, err
	}
	if resp == nil || resp.Data == nil || resp.Data.Header == nil || resp.Data.Header.Message == nil {
		return 0, errors.Errorf("empty header response for block %s", blockID)
	}
	return domain.Slot(resp.Data.Header.Message.Slot), nil
}

// GetProposerDuty returns the proposer of a slot. Duties are fetched for the whole epoch
// once and cached.
func (b *beaconHTTPClient) GetProposerDuty(ctx context.Context, slot domain.Slot) (*domain.ProposerDuty, error) {
	epoch := slot.Epoch()
	duties, ok := b.duties.Get(epoch)
	if !ok {
		resp, err := b.client.ProposerDuties(ctx, &api.ProposerDutiesOpts{Epoch: phase0.Epoch(epoch)})
		if err != nil {
			if isNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		duties = make(map[domain.Slot]domain.ProposerDuty, len(resp.Data))
		for _, d := range resp.Data {
			duties[domain.Slot(d.Slot)] = domain.ProposerDuty{
				ValidatorIndex: domain.ValidatorIndex(d.ValidatorIndex),
				PubKey:         domain.NormalizePubKey(hex.EncodeToString(d.PubKey[:])),
				Slot:           domain.Slot(d.Slot),
			}
		}
		if len(duties) == 0 {
			return nil, nil
		}
		b.duties.Add(epoch, duties)
	}

	duty, ok := duties[slot]
	if !ok {
		return nil, nil
	}
	return &duty, nil
}

// GetBlock returns the block summary at a slot, nil for an empty slot (404).
func (b *beaconHTTPClient) GetBlock(ctx context.Context, slot domain.Slot) (*domain.BlockSummary, error) {
	block, err := b.signedBlock(ctx, slot)
	if err != nil || block == nil {
		return nil, err
	}

	proposer, err := block.ProposerIndex()
	if err != nil {
		return nil, errors.Wrapf(err, "block at slot %d", slot)
	}
	summary := &domain.BlockSummary{
		Slot:          slot,
		ProposerIndex: domain.ValidatorIndex(proposer),
	}

	// Pre-merge blocks carry no execution payload and are summarized without one.
	if hash, err := block.ExecutionBlockHash(); err == nil {
		summary.BlockHash = common.Hash(hash)
	}
	if txs, err := block.ExecutionTransactions(); err == nil {
		summary.TransactionCount = len(txs)
	}
	if recipient, ok := feeRecipient(block); ok {
		summary.FeeRecipient = common.Address(recipient)
	}
	return summary, nil
}

// GetValidatorIndex resolves a public key against the head state.
func (b *beaconHTTPClient) GetValidatorIndex(ctx context.Context, pubkey domain.BLSPubKey) (domain.ValidatorIndex, bool, error) {
	key, err := decodePubKey(pubkey)
	if err != nil {
		return 0, false, err
	}

	validators, err := b.client.Validators(ctx, &api.ValidatorsOpts{
		State:   "head",
		PubKeys: []phase0.BLSPubKey{key},
	})
	if err != nil {
		if isNotFound(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	for index, v := range validators.Data {
		if v != nil && v.Validator != nil && v.Validator.PublicKey == key {
			return domain.ValidatorIndex(index), true, nil
		}
	}
	return 0, false, nil
}

// GetSyncCommittee returns the sync committee of the period containing epoch. Only a
// period that ends before the Altair fork has no committee; every other failure is an error.
func (b *beaconHTTPClient) GetSyncCommittee(ctx context.Context, epoch domain.Epoch) ([]domain.ValidatorIndex, error) {
	altair, err := b.altairForkEpoch(ctx)
	if err != nil {
		return nil, err
	}
	period := epoch.SyncCommitteePeriodStart()
	if period+domain.EpochsPerSyncCommitteePeriod <= altair {
		return nil, nil
	}

	// The state at the start of the fork period has no committee yet.
	stateEpoch := period
	if stateEpoch < altair {
		stateEpoch = altair
	}
	e := phase0.Epoch(stateEpoch)
	resp, err := b.client.SyncCommittee(ctx, &api.SyncCommitteeOpts{
		State: fmt.Sprintf("%d", stateEpoch.StartSlot()),
		Epoch: &e,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "sync committee for epoch %d", epoch)
	}
	if resp == nil || resp.Data == nil || len(resp.Data.Validators) == 0 {
		return nil, errors.Errorf("empty sync committee response for epoch %d", epoch)
	}

	members := make([]domain.ValidatorIndex, len(resp.Data.Validators))
	for i, v := range resp.Data.Validators {
		members[i] = domain.ValidatorIndex(v)
	}
	return members, nil
}

// altairForkEpoch reads ALTAIR_FORK_EPOCH from the node configuration once.
func (b *beaconHTTPClient) altairForkEpoch(ctx context.Context) (domain.Epoch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.altair != nil {
		return *b.altair, nil
	}

	resp, err := b.client.Spec(ctx, &api.SpecOpts{})
	if err != nil {
		return 0, errors.Wrap(err, "failed to read beacon node configuration")
	}
	var epoch domain.Epoch
	switch v := resp.Data["ALTAIR_FORK_EPOCH"].(type) {
	case uint64:
		epoch = domain.Epoch(v)
	case phase0.Epoch:
		epoch = domain.Epoch(v)
	default:
		return 0, errors.Errorf("beacon node configuration has no usable ALTAIR_FORK_EPOCH (%v)", v)
	}
	b.altair = &epoch
	return epoch, nil
}

// GetSyncParticipation returns the sync aggregate bits included at slot.
func (b *beaconHTTPClient) GetSyncParticipation(ctx context.Context, slot domain.Slot) (bitfield.Bitvector512, error) {
	block, err := b.signedBlock(ctx, slot)
	if err != nil || block == nil {
		return nil, err
	}
	agg, err := block.SyncAggregate()
	if err != nil || agg == nil {
		// Phase0 block: nothing to report.
		return nil, nil
	}
	return agg.SyncCommitteeBits, nil
}

// signedBlock fetches a block, treating 404 as "no block at this slot". Only existing
// blocks are cached so that a late block is still found on a later call.
func (b *beaconHTTPClient) signedBlock(ctx context.Context, slot domain.Slot) (*spec.VersionedSignedBeaconBlock, error) {
	if block, ok := b.blocks.Get(slot); ok {
		return block, nil
	}

	resp, err := b.client.SignedBeaconBlock(ctx, &api.SignedBeaconBlockOpts{
		Block: fmt.Sprintf("%d", slot),
	})
	if err != nil {
		// Missed slot → 404.
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if resp == nil || resp.Data == nil {
		return nil, nil
	}
	b.blocks.Add(slot, resp.Data)
	return resp.Data, nil
}

func feeRecipient(block *spec.VersionedSignedBeaconBlock) (bellatrix.ExecutionAddress, bool) {
	payload, err := block.ExecutionPayload()
	if err != nil || payload == nil {
		return bellatrix.ExecutionAddress{}, false
	}
	recipient, err := payload.FeeRecipient()
	if err != nil {
		return bellatrix.ExecutionAddress{}, false
	}
	return recipient, true
}

func decodePubKey(pubkey domain.BLSPubKey) (phase0.BLSPubKey, error) {
	var key phase0.BLSPubKey
	raw, err := hex.DecodeString(strings.TrimPrefix(string(pubkey), "0x"))
	if err != nil {
		return key, errors.Wrapf(err, "failed to decode pubkey %s", pubkey)
	}
	if len(raw) != len(key) {
		return key, errors.Errorf("invalid pubkey length for %s", pubkey)
	}
	copy(key[:], raw)
	return key, nil
}

func isNotFound(err error) bool {
	return statusCode(err) == nethttp.StatusNotFound
}

func statusCode(err error) int {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
