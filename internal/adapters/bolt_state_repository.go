package adapters

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/Marketen/proposals-indexer/internal/application/ports"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	prombolt "github.com/prysmaticlabs/prombbolt"
	bolt "go.etcd.io/bbolt"
)

const databaseFileName = "proposals.db"

var (
	slotRecordsBucket = []byte("slots")
	relaysBucket      = []byte("relays")
	validatorsBucket  = []byte("validators")
	syncWindowsBucket = []byte("sync-windows")
	metaBucket        = []byte("meta")

	progressKey = []byte("progress")
	globalKey   = []byte("global")
)

// BoltStateRepository implements ports.StateRepository on a single bolt file. Every Commit
// is one bolt read-write transaction.
type BoltStateRepository struct {
	db *bolt.DB
}

var _ ports.StateRepository = (*BoltStateRepository)(nil)

// NewBoltStateRepository opens (or creates) the database in dirPath and creates the buckets.
func NewBoltStateRepository(dirPath string) (*BoltStateRepository, error) {
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, err
	}
	datafile := filepath.Join(dirPath, databaseFileName)
	db, err := bolt.Open(datafile, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		return createBuckets(tx, slotRecordsBucket, relaysBucket, validatorsBucket, syncWindowsBucket, metaBucket)
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStateRepository{db: db}, nil
}

// Collector exposes bolt statistics. Registration is left to the caller.
func (r *BoltStateRepository) Collector() prometheus.Collector {
	return prombolt.New("boltDB", r.db)
}

func (r *BoltStateRepository) Close() error {
	return r.db.Close()
}

// Load reads aggregates, progress and live sync windows. A fresh database yields an empty state.
func (r *BoltStateRepository) Load(ctx context.Context) (*domain.AggregateState, error) {
	state := domain.NewAggregateState()
	err := r.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if enc := meta.Get(progressKey); enc != nil {
			if err := decode(enc, &state.Progress); err != nil {
				return errors.Wrap(err, "progress")
			}
		}
		if enc := meta.Get(globalKey); enc != nil {
			if err := decode(enc, &state.Global); err != nil {
				return errors.Wrap(err, "global counters")
			}
		}

		if err := tx.Bucket(relaysBucket).ForEach(func(k, v []byte) error {
			var agg domain.RelayAggregate
			if err := decode(v, &agg); err != nil {
				return errors.Wrapf(err, "relay %s", k)
			}
			state.Relays[agg.Tag] = agg
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(validatorsBucket).ForEach(func(k, v []byte) error {
			var vc domain.ValidatorCounters
			if err := decode(v, &vc); err != nil {
				return errors.Wrapf(err, "validator %s", k)
			}
			if vc.ProposedByRelay == nil {
				vc.ProposedByRelay = make(map[domain.RelayTag]uint64)
			}
			state.Validators[vc.PubKey] = vc
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(syncWindowsBucket).ForEach(func(k, v []byte) error {
			var w domain.SyncCommitteeWindow
			if err := decode(v, &w); err != nil {
				return errors.Wrapf(err, "sync window %d", keySlot(k))
			}
			if w.Participation == nil {
				w.Participation = make(map[domain.BLSPubKey]domain.SyncParticipation)
			}
			state.SyncWindows = append(state.SyncWindows, w)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not load state")
	}
	return state, nil
}

// Commit applies change in one transaction.
func (r *BoltStateRepository) Commit(ctx context.Context, change *ports.StateChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		slots := tx.Bucket(slotRecordsBucket)
		if change.DeleteRecordsBelow != nil {
			if err := deleteBelow(slots, *change.DeleteRecordsBelow); err != nil {
				return err
			}
		}
		for _, rec := range change.PutRecords {
			if err := put(slots, slotKey(rec.Slot), rec); err != nil {
				return errors.Wrapf(err, "slot %d", rec.Slot)
			}
		}

		relays := tx.Bucket(relaysBucket)
		for _, agg := range change.Relays {
			if err := put(relays, []byte(agg.Tag), agg); err != nil {
				return errors.Wrapf(err, "relay %s", agg.Tag)
			}
		}
		validators := tx.Bucket(validatorsBucket)
		for _, vc := range change.Validators {
			if err := put(validators, []byte(vc.PubKey), vc); err != nil {
				return errors.Wrapf(err, "validator %s", vc.PubKey)
			}
		}

		meta := tx.Bucket(metaBucket)
		if change.Global != nil {
			if err := put(meta, globalKey, change.Global); err != nil {
				return err
			}
		}
		if change.Progress != nil {
			if err := put(meta, progressKey, change.Progress); err != nil {
				return err
			}
		}

		if change.SyncWindows != nil {
			if err := tx.DeleteBucket(syncWindowsBucket); err != nil {
				return err
			}
			windows, err := tx.CreateBucket(syncWindowsBucket)
			if err != nil {
				return err
			}
			for _, w := range change.SyncWindows {
				if err := put(windows, epochKey(w.PeriodStartEpoch), w); err != nil {
					return errors.Wrapf(err, "sync window %d", w.PeriodStartEpoch)
				}
			}
		}
		return nil
	})
}

// SlotRecord returns the record stored for slot, nil if there is none.
func (r *BoltStateRepository) SlotRecord(ctx context.Context, slot domain.Slot) (*domain.SlotRecord, error) {
	var rec *domain.SlotRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(slotRecordsBucket).Get(slotKey(slot))
		if enc == nil {
			return nil
		}
		rec = &domain.SlotRecord{}
		return decode(enc, rec)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not read slot %d", slot)
	}
	return rec, nil
}

// SlotRecords returns the records with from <= slot <= to in ascending slot order.
func (r *BoltStateRepository) SlotRecords(ctx context.Context, from, to domain.Slot) ([]domain.SlotRecord, error) {
	var out []domain.SlotRecord
	if from > to {
		return out, nil
	}
	last := slotKey(to)
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(slotRecordsBucket).Cursor()
		for k, v := c.Seek(slotKey(from)); k != nil && bytes.Compare(k, last) <= 0; k, v = c.Next() {
			var rec domain.SlotRecord
			if err := decode(v, &rec); err != nil {
				return errors.Wrapf(err, "slot %d", keySlot(k))
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not read slot records")
	}
	return out, nil
}

func deleteBelow(b *bolt.Bucket, cutoff domain.Slot) error {
	limit := slotKey(cutoff)
	c := b.Cursor()
	for k, _ := c.First(); k != nil && bytes.Compare(k, limit) < 0; k, _ = c.First() {
		if err := c.Delete(); err != nil {
			return errors.Wrapf(err, "could not delete slot %d", keySlot(k))
		}
	}
	return nil
}

func put(b *bolt.Bucket, key []byte, v interface{}) error {
	enc, err := encode(v)
	if err != nil {
		return err
	}
	return b.Put(key, enc)
}

func createBuckets(tx *bolt.Tx, buckets ...[]byte) error {
	for _, bucket := range buckets {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return err
		}
	}
	return nil
}
