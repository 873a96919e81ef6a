// Package store defines the persistence port consumed by the State
// Manager, Checkpoint Service, and Dead-Letter Queue, and provides its
// production implementation over BoltDB — mirroring the reference
// service's persistence.go, which chose BoltDB "over RocksDB for easier
// deployment (pure Go, no C dependencies)".
package store

import "context"

// Store is the keyed byte-blob persistence port described by spec §6:
// put/get/list/delete over an opaque namespace. Implementations may be
// filesystem directories, embedded KV stores, or SQL-backed blob tables;
// schema versioning of the blob contents is a caller concern.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
