package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/Marketen/proposals-indexer/internal/application/ports"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/prysmaticlabs/go-bitfield"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// pubkey builds a deterministic 48-byte key for validator n.
func pubkey(n int) domain.BLSPubKey {
	return domain.NormalizePubKey(fmt.Sprintf("%096x", n+1))
}

func blockHash(slot domain.Slot) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(uint64(slot) + 1))
}

// milliEth converts thousandths of an ether to wei.
func milliEth(n uint64) domain.Wei {
	w, err := domain.WeiFromBig(new(big.Int).Mul(new(big.Int).SetUint64(n), big.NewInt(1e15)))
	if err != nil {
		panic(err)
	}
	return w
}

func weiPtr(w domain.Wei) *domain.Wei {
	return &w
}

type fakeBeacon struct {
	mu sync.Mutex

	head    domain.Slot
	headErr error

	duties   map[domain.Slot]*domain.ProposerDuty
	dutyErr  map[domain.Slot]error
	blocks   map[domain.Slot]*domain.BlockSummary
	blockErr map[domain.Slot]error

	indices  map[domain.BLSPubKey]domain.ValidatorIndex
	indexErr error

	committees     map[domain.Epoch][]domain.ValidatorIndex
	committeeErr   error
	committeeCalls int
	bits           map[domain.Slot]bitfield.Bitvector512
	bitsErr        error
}

var _ ports.BeaconChainAdapter = (*fakeBeacon)(nil)

func newFakeBeacon() *fakeBeacon {
	return &fakeBeacon{
		duties:     make(map[domain.Slot]*domain.ProposerDuty),
		dutyErr:    make(map[domain.Slot]error),
		blocks:     make(map[domain.Slot]*domain.BlockSummary),
		blockErr:   make(map[domain.Slot]error),
		indices:    make(map[domain.BLSPubKey]domain.ValidatorIndex),
		committees: make(map[domain.Epoch][]domain.ValidatorIndex),
		bits:       make(map[domain.Slot]bitfield.Bitvector512),
	}
}

// schedule registers validator n as proposer of slot.
func (f *fakeBeacon) schedule(slot domain.Slot, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duties[slot] = &domain.ProposerDuty{ValidatorIndex: domain.ValidatorIndex(n), PubKey: pubkey(n), Slot: slot}
	f.indices[pubkey(n)] = domain.ValidatorIndex(n)
}

// produce adds a block with txs transactions at slot.
func (f *fakeBeacon) produce(slot domain.Slot, txs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	proposer := domain.ValidatorIndex(0)
	if d := f.duties[slot]; d != nil {
		proposer = d.ValidatorIndex
	}
	f.blocks[slot] = &domain.BlockSummary{
		Slot:             slot,
		ProposerIndex:    proposer,
		BlockHash:        blockHash(slot),
		FeeRecipient:     common.HexToAddress("0xfee"),
		TransactionCount: txs,
	}
}

func (f *fakeBeacon) setHead(slot domain.Slot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = slot
}

func (f *fakeBeacon) setBlockErr(slot domain.Slot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.blockErr, slot)
		return
	}
	f.blockErr[slot] = err
}

func (f *fakeBeacon) GetHeadSlot(ctx context.Context, blockID string) (domain.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeBeacon) GetProposerDuty(ctx context.Context, slot domain.Slot) (*domain.ProposerDuty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.dutyErr[slot]; err != nil {
		return nil, err
	}
	d, ok := f.duties[slot]
	if !ok {
		return nil, nil
	}
	c := *d
	return &c, nil
}

func (f *fakeBeacon) GetBlock(ctx context.Context, slot domain.Slot) (*domain.BlockSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.blockErr[slot]; err != nil {
		return nil, err
	}
	b, ok := f.blocks[slot]
	if !ok {
		return nil, nil
	}
	c := *b
	return &c, nil
}

func (f *fakeBeacon) GetValidatorIndex(ctx context.Context, pk domain.BLSPubKey) (domain.ValidatorIndex, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexErr != nil {
		return 0, false, f.indexErr
	}
	idx, ok := f.indices[pk]
	return idx, ok, nil
}

func (f *fakeBeacon) GetSyncCommittee(ctx context.Context, epoch domain.Epoch) ([]domain.ValidatorIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committeeCalls++
	if f.committeeErr != nil {
		return nil, f.committeeErr
	}
	return append([]domain.ValidatorIndex(nil), f.committees[epoch.SyncCommitteePeriodStart()]...), nil
}

func (f *fakeBeacon) GetSyncParticipation(ctx context.Context, slot domain.Slot) (bitfield.Bitvector512, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bitsErr != nil {
		return nil, f.bitsErr
	}
	if _, ok := f.blocks[slot]; !ok {
		return nil, nil
	}
	if bits, ok := f.bits[slot]; ok {
		return bits, nil
	}
	return bitfield.NewBitvector512(), nil
}

type fakeRelay struct {
	tag domain.RelayTag

	mu       sync.Mutex
	payloads map[domain.Slot][]domain.DeliveredPayload
	err      error
	block    chan struct{} // when non-nil, queries wait for ctx or close
}

var _ ports.RelayAdapter = (*fakeRelay)(nil)

func newFakeRelay(tag domain.RelayTag) *fakeRelay {
	return &fakeRelay{tag: tag, payloads: make(map[domain.Slot][]domain.DeliveredPayload)}
}

// deliver records that this relay delivered the block at slot. A zero value means no
// reported payment.
func (r *fakeRelay) deliver(slot domain.Slot, proposer int, value *domain.Wei) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads[slot] = append(r.payloads[slot], domain.DeliveredPayload{
		Slot:                 slot,
		BlockHash:            blockHash(slot),
		ProposerPubKey:       pubkey(proposer),
		ProposerFeeRecipient: common.HexToAddress("0xbeef"),
		Value:                value,
	})
}

func (r *fakeRelay) Tag() domain.RelayTag { return r.tag }

func (r *fakeRelay) GetDeliveredPayloads(ctx context.Context, slot domain.Slot) ([]domain.DeliveredPayload, error) {
	if r.block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.block:
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return append([]domain.DeliveredPayload(nil), r.payloads[slot]...), nil
}

type fakeExecution struct {
	mu         sync.Mutex
	components map[common.Hash]domain.RewardComponents
	recipients []common.Address
	err        error
	calls      int
}

var _ ports.ExecutionAdapter = (*fakeExecution)(nil)

func newFakeExecution() *fakeExecution {
	return &fakeExecution{components: make(map[common.Hash]domain.RewardComponents)}
}

func (e *fakeExecution) set(slot domain.Slot, fees, transfer domain.Wei) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.components[blockHash(slot)] = domain.RewardComponents{PriorityFees: fees, DirectTransfer: transfer}
}

func (e *fakeExecution) GetBlockRewardComponents(ctx context.Context, hash common.Hash, recipient common.Address) (*domain.RewardComponents, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.recipients = append(e.recipients, recipient)
	if e.err != nil {
		return nil, e.err
	}
	c, ok := e.components[hash]
	if !ok {
		return nil, errors.Errorf("unknown block %s", hash.Hex())
	}
	return &c, nil
}

// memRepo is an in-memory StateRepository. Values are copied through JSON so callers can
// never share memory with what is "persisted".
type memRepo struct {
	mu        sync.Mutex
	records   map[domain.Slot][]byte
	relays    map[domain.RelayTag][]byte
	vals      map[domain.BLSPubKey][]byte
	global    []byte
	progress  []byte
	windows   []byte
	commitErr error
	commits   int
}

var _ ports.StateRepository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{
		records: make(map[domain.Slot][]byte),
		relays:  make(map[domain.RelayTag][]byte),
		vals:    make(map[domain.BLSPubKey][]byte),
	}
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func (m *memRepo) Load(ctx context.Context) (*domain.AggregateState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := domain.NewAggregateState()
	if m.progress != nil {
		if err := json.Unmarshal(m.progress, &s.Progress); err != nil {
			return nil, err
		}
	}
	if m.global != nil {
		if err := json.Unmarshal(m.global, &s.Global); err != nil {
			return nil, err
		}
	}
	for tag, b := range m.relays {
		var agg domain.RelayAggregate
		if err := json.Unmarshal(b, &agg); err != nil {
			return nil, err
		}
		s.Relays[tag] = agg
	}
	for pk, b := range m.vals {
		var vc domain.ValidatorCounters
		if err := json.Unmarshal(b, &vc); err != nil {
			return nil, err
		}
		if vc.ProposedByRelay == nil {
			vc.ProposedByRelay = make(map[domain.RelayTag]uint64)
		}
		s.Validators[pk] = vc
	}
	if m.windows != nil {
		if err := json.Unmarshal(m.windows, &s.SyncWindows); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (m *memRepo) Commit(ctx context.Context, change *ports.StateChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.commits++
	if change.DeleteRecordsBelow != nil {
		for slot := range m.records {
			if slot < *change.DeleteRecordsBelow {
				delete(m.records, slot)
			}
		}
	}
	for _, r := range change.PutRecords {
		m.records[r.Slot] = mustJSON(r)
	}
	for _, a := range change.Relays {
		m.relays[a.Tag] = mustJSON(a)
	}
	for _, v := range change.Validators {
		m.vals[v.PubKey] = mustJSON(v)
	}
	if change.Global != nil {
		m.global = mustJSON(change.Global)
	}
	if change.Progress != nil {
		m.progress = mustJSON(change.Progress)
	}
	if change.SyncWindows != nil {
		m.windows = mustJSON(change.SyncWindows)
	}
	return nil
}

func (m *memRepo) SlotRecord(ctx context.Context, slot domain.Slot) (*domain.SlotRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.records[slot]
	if !ok {
		return nil, nil
	}
	var r domain.SlotRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (m *memRepo) SlotRecords(ctx context.Context, from, to domain.Slot) ([]domain.SlotRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SlotRecord
	for slot, b := range m.records {
		if slot < from || slot > to {
			continue
		}
		var r domain.SlotRecord
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func (m *memRepo) recordSlots() []domain.Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Slot, 0, len(m.records))
	for slot := range m.records {
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *memRepo) Close() error { return nil }

func openStore(t *testing.T, repo ports.StateRepository) *AggregationStore {
	t.Helper()
	store, err := OpenAggregationStore(context.Background(), repo)
	require.NoError(t, err)
	return store
}
