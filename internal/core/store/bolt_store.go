package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/swarmguard/taskengine/internal/core/resilience"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BoltDB opens a single BoltDB file and hands out namespaced Store views
// over it, one bucket per concern — State Manager snapshots, Checkpoint
// Service checkpoint lists, and DLQ entries each get their own bucket, the
// way persistence.go splits bucketWorkflows/bucketExecutions/bucketVersions.
type BoltDB struct {
	db *bbolt.DB

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open creates or opens the database file at path, ready to hand out
// namespaces via Namespace.
func Open(path string, meter metric.Meter) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	readLatency, _ := meter.Float64Histogram("taskengine_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("taskengine_store_write_ms")
	return &BoltDB{db: db, readLatency: readLatency, writeLatency: writeLatency}, nil
}

// Close closes the underlying database file.
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// Namespace returns a Store scoped to a single bucket, created if absent.
func (b *BoltDB) Namespace(name string) (Store, error) {
	bucket := []byte(name)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &boltNamespace{db: b, bucket: bucket}, nil
}

type boltNamespace struct {
	db     *BoltDB
	bucket []byte
}

var _ Store = (*boltNamespace)(nil)

func (n *boltNamespace) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	defer func() {
		if n.db.writeLatency != nil {
			n.db.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("bucket", string(n.bucket))))
		}
	}()

	_, err := resilience.Retry(ctx, 2, 10*time.Millisecond, func() (struct{}, error) {
		err := n.db.db.Update(func(tx *bbolt.Tx) error {
			bucket := tx.Bucket(n.bucket)
			if bucket == nil {
				return fmt.Errorf("bucket %s not found", n.bucket)
			}
			return bucket.Put([]byte(key), value)
		})
		return struct{}{}, err
	})
	return err
}

func (n *boltNamespace) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	defer func() {
		if n.db.readLatency != nil {
			n.db.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("bucket", string(n.bucket))))
		}
	}()

	var value []byte
	found := false
	err := n.db.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(n.bucket)
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		value = append([]byte(nil), data...)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("read %s/%s: %w", n.bucket, key, err)
	}
	return value, found, nil
}

func (n *boltNamespace) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := n.db.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(n.bucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			if strings.HasPrefix(string(k), prefix) {
				keys = append(keys, string(k))
			}
			return nil
		})
	})
	sort.Strings(keys)
	return keys, err
}

func (n *boltNamespace) Delete(ctx context.Context, key string) error {
	return n.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(n.bucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

func (n *boltNamespace) Close() error { return nil }

// InMemory is a test/dev Store backed by a guarded map, used where a real
// BoltDB file is unnecessary (unit tests, ephemeral engines).
type InMemory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{data: make(map[string][]byte)}
}

func (m *InMemory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *InMemory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *InMemory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *InMemory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *InMemory) Close() error { return nil }
