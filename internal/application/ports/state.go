package ports

import (
	"context"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
)

// StateChange is a set of writes that must be persisted atomically.
type StateChange struct {
	PutRecords []domain.SlotRecord
	// DeleteRecordsBelow removes every record with a lower slot when non-nil.
	DeleteRecordsBelow *domain.Slot
	Relays             []domain.RelayAggregate
	Validators         []domain.ValidatorCounters
	Global             *domain.GlobalCounters
	Progress           *domain.Progress
	// SyncWindows replaces the full set of live windows when non-nil.
	SyncWindows []domain.SyncCommitteeWindow
}

// StateRepository is the durable store behind the aggregation store.
type StateRepository interface {
	// Load returns the persisted aggregates, progress and live sync windows.
	Load(ctx context.Context) (*domain.AggregateState, error)

	// Commit applies every write in change or none of them.
	Commit(ctx context.Context, change *StateChange) error

	// SlotRecord returns the record for a slot, or nil if none is stored.
	SlotRecord(ctx context.Context, slot domain.Slot) (*domain.SlotRecord, error)

	// SlotRecords returns stored records with from <= slot <= to in slot order.
	SlotRecords(ctx context.Context, from, to domain.Slot) ([]domain.SlotRecord, error)

	Close() error
}

// MetricsSnapshotter provides the consistent view rendered on each scrape.
type MetricsSnapshotter interface {
	Snapshot() *domain.MetricsSnapshot
}
