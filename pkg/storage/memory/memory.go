// Package memory provides an in-process Repository used by tests and the
// "memory" store backend for local runs. It applies the same
// last-write-wins-by-timestamp rule as the Postgres adapter.
package memory

import (
	"context"
	"sync"

	"scanproc/pkg/storage"
)

type key struct {
	IP      string
	Port    uint32
	Service string
}

// Store keeps the latest record per (ip, port, service) key.
type Store struct {
	mu    sync.Mutex
	scans map[key]storage.ScanRecord
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{scans: make(map[key]storage.ScanRecord)}
}

// UpsertLatest stores the record if no row exists for its key or if its
// timestamp is strictly greater than the stored one. The mutex makes the
// read-compare-write atomic across concurrent writers.
func (s *Store) UpsertLatest(ctx context.Context, record storage.ScanRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := key{IP: record.IP, Port: record.Port, Service: record.Service}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.scans[k]; ok && record.Timestamp <= cur.Timestamp {
		return nil
	}
	s.scans[k] = record
	return nil
}

// Get returns the stored record for the key, if any.
func (s *Store) Get(ip string, port uint32, service string) (storage.ScanRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.scans[key{IP: ip, Port: port, Service: service}]
	return rec, ok
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scans)
}
