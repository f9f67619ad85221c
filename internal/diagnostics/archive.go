package diagnostics

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketMeta      = []byte("meta")
	keySchemaVer    = []byte("schema_version")
	schemaVersion   = []byte("1")
)

// Archive persists the diagnostics snapshots handed to Store (never queue
// or cache state, per the core's in-memory-only non-goal) to a local bbolt
// database, for crash forensics and operator inspection. It does not take
// snapshots on its own; RunRetentionLoop only prunes.
type Archive struct {
	db            *bbolt.DB
	retention     time.Duration
	log           *zap.Logger
}

// OpenArchive opens (creating if absent) a bbolt database at path and
// ensures its schema buckets exist.
func OpenArchive(path string, retentionDays int, log *zap.Logger) (*Archive, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("diagnostics: open archive %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSnapshots); err != nil {
			return fmt.Errorf("create snapshots bucket: %w", err)
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("create meta bucket: %w", err)
		}
		return meta.Put(keySchemaVer, schemaVersion)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("diagnostics: initialize archive schema: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &Archive{db: db, retention: time.Duration(retentionDays) * 24 * time.Hour, log: log}, nil
}

func (a *Archive) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("diagnostics: close archive: %w", err)
	}
	return nil
}

// Store persists one snapshot keyed by an RFC3339Nano timestamp, sortable
// lexicographically within the bucket.
func (a *Archive) Store(at time.Time, snap Snapshot) error {
	body, err := snap.MarshalBytes()
	if err != nil {
		return err
	}
	key := []byte(at.UTC().Format(time.RFC3339Nano))

	err = a.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put(key, body)
	})
	if err != nil {
		return fmt.Errorf("diagnostics: store snapshot: %w", err)
	}
	return nil
}

// PruneOlderThan deletes every snapshot whose key (RFC3339Nano timestamp)
// is older than now minus the configured retention window.
func (a *Archive) PruneOlderThan(now time.Time) (int, error) {
	cutoff := []byte(now.Add(-a.retention).UTC().Format(time.RFC3339Nano))
	var pruned int

	err := a.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoff) {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return pruned, fmt.Errorf("diagnostics: prune archive: %w", err)
	}
	return pruned, nil
}

// RunRetentionLoop periodically prunes the archive until ctx is cancelled.
func (a *Archive) RunRetentionLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := a.PruneOlderThan(now)
			if err != nil {
				a.log.Warn("archive retention prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.log.Info("pruned stale diagnostics snapshots", zap.Int("count", n))
			}
		}
	}
}
