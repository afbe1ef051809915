// Package storage provides Pebble-backed persistence for orders, the
// pending indexes, and the reply correlation table.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/cockroachdb/pebble"

	"github.com/condor-exchange/condor/pkg/order"
)

// ErrIDOverflow is returned when an id counter would wrap.
var ErrIDOverflow = errors.New("id counter overflow")

// Store persists both order kinds (full + pending indexes), reply
// correlation entries, and the shared reply-id counter.
// Thread-safe: all mutation goes through the engine's mutex.
type Store struct {
	db *pebble.DB
}

// NewStore opens a Pebble database at the given path
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize: 32 << 20,
		MaxOpenFiles: 1000,
		BytesPerSync: 512 << 10,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// ==============================
// Spot orders
// ==============================

// SaveSpotOrder persists a spot order into the full index
func (s *Store) SaveSpotOrder(o *order.SpotOrder) error {
	return s.putJSON(spotOrderKey(o.OrderID), o)
}

// SaveSpotPending inserts a spot order into the pending index
func (s *Store) SaveSpotPending(o *order.SpotOrder) error {
	return s.putJSON(spotPendingKey(o.OrderID), o)
}

// RemoveSpotPending removes a spot order from the pending index
func (s *Store) RemoveSpotPending(id uint64) error {
	if err := s.db.Delete(spotPendingKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to remove pending spot order %d: %w", id, err)
	}
	return nil
}

// LoadSpotOrder loads a spot order from the full index.
// Returns nil if the order doesn't exist.
func (s *Store) LoadSpotOrder(id uint64) (*order.SpotOrder, error) {
	var o order.SpotOrder
	ok, err := s.getJSON(spotOrderKey(id), &o)
	if err != nil || !ok {
		return nil, err
	}
	return &o, nil
}

// ListSpotOrders returns all spot orders in ascending order-id order
func (s *Store) ListSpotOrders() ([]*order.SpotOrder, error) {
	return listOrders[order.SpotOrder](s, []byte(prefixSpotOrder))
}

// ListPendingSpotOrders returns the pending spot index in ascending
// order-id order. The tick engine depends on this ordering being stable:
// it determines reply-id assignment.
func (s *Store) ListPendingSpotOrders() ([]*order.SpotOrder, error) {
	return listOrders[order.SpotOrder](s, []byte(prefixSpotPending))
}

// NextSpotOrderID allocates the next spot order id: highest existing id in
// the full index plus one, starting at 0 for an empty index.
func (s *Store) NextSpotOrderID() (uint64, error) {
	return s.nextID([]byte(prefixSpotOrder))
}

// ==============================
// Perpetual orders
// ==============================

// SavePerpetualOrder persists a perpetual order into the full index
func (s *Store) SavePerpetualOrder(o *order.PerpetualOrder) error {
	return s.putJSON(perpOrderKey(o.OrderID), o)
}

// SavePerpetualPending inserts a perpetual order into the pending index
func (s *Store) SavePerpetualPending(o *order.PerpetualOrder) error {
	return s.putJSON(perpPendingKey(o.OrderID), o)
}

// RemovePerpetualPending removes a perpetual order from the pending index
func (s *Store) RemovePerpetualPending(id uint64) error {
	if err := s.db.Delete(perpPendingKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to remove pending perpetual order %d: %w", id, err)
	}
	return nil
}

// LoadPerpetualOrder loads a perpetual order from the full index.
// Returns nil if the order doesn't exist.
func (s *Store) LoadPerpetualOrder(id uint64) (*order.PerpetualOrder, error) {
	var o order.PerpetualOrder
	ok, err := s.getJSON(perpOrderKey(id), &o)
	if err != nil || !ok {
		return nil, err
	}
	return &o, nil
}

// ListPerpetualOrders returns all perpetual orders in ascending order-id order
func (s *Store) ListPerpetualOrders() ([]*order.PerpetualOrder, error) {
	return listOrders[order.PerpetualOrder](s, []byte(prefixPerpOrder))
}

// ListPendingPerpetualOrders returns the pending perpetual index ascending
func (s *Store) ListPendingPerpetualOrders() ([]*order.PerpetualOrder, error) {
	return listOrders[order.PerpetualOrder](s, []byte(prefixPerpPending))
}

// NextPerpetualOrderID allocates the next perpetual order id (max+1, empty -> 0)
func (s *Store) NextPerpetualOrderID() (uint64, error) {
	return s.nextID([]byte(prefixPerpOrder))
}

// ==============================
// Reply correlation
// ==============================

// SaveReplyInfo persists a reply correlation entry
func (s *Store) SaveReplyInfo(info *order.ReplyInfo) error {
	return s.putJSON(replyKey(info.ID), info)
}

// LoadReplyInfo loads a reply correlation entry.
// Returns nil if the entry doesn't exist.
func (s *Store) LoadReplyInfo(id uint64) (*order.ReplyInfo, error) {
	var info order.ReplyInfo
	ok, err := s.getJSON(replyKey(id), &info)
	if err != nil || !ok {
		return nil, err
	}
	return &info, nil
}

// DeleteReplyInfo removes a consumed reply correlation entry
func (s *Store) DeleteReplyInfo(id uint64) error {
	if err := s.db.Delete(replyKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete reply info %d: %w", id, err)
	}
	return nil
}

// MaxReplyID loads the shared reply-id counter (0 if never written)
func (s *Store) MaxReplyID() (uint64, error) {
	val, closer, err := s.db.Get([]byte(keyMaxReplyID))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get max reply id: %w", err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("malformed max reply id value: %d bytes", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

// SetMaxReplyID stores the shared reply-id counter
func (s *Store) SetMaxReplyID(id uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	if err := s.db.Set([]byte(keyMaxReplyID), buf[:], pebble.Sync); err != nil {
		return fmt.Errorf("failed to set max reply id: %w", err)
	}
	return nil
}

// ==============================
// Internal helpers
// ==============================

func (s *Store) putJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// getJSON reads and unmarshals a key. Returns (false, nil) when absent.
func (s *Store) getJSON(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func listOrders[T any](s *Store, prefix []byte) ([]*T, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []*T
	for iter.First(); iter.Valid(); iter.Next() {
		var v T
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", iter.Key(), err)
		}
		out = append(out, &v)
	}
	return out, nil
}

// nextID finds the highest id under prefix and returns it plus one.
// The zero-padded key format makes the last key the numeric maximum.
func (s *Store) nextID(prefix []byte) (uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, nil
	}

	max, err := strconv.ParseUint(string(iter.Key()[len(prefix):]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed order key %s: %w", iter.Key(), err)
	}
	if max == math.MaxUint64 {
		return 0, ErrIDOverflow
	}
	return max + 1, nil
}

// ==============================
// Atomic batches
// ==============================

// BatchWrite stages the storage writes of a tick (or any multi-order
// operation) and commits them atomically.
type BatchWrite struct {
	batch *pebble.Batch
}

// NewBatch creates a new batch writer
func (s *Store) NewBatch() *BatchWrite {
	return &BatchWrite{batch: s.db.NewBatch()}
}

func (bw *BatchWrite) set(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bw.batch.Set(key, data, nil)
}

// SaveSpotOrder adds a spot-order full-index write to the batch
func (bw *BatchWrite) SaveSpotOrder(o *order.SpotOrder) error {
	return bw.set(spotOrderKey(o.OrderID), o)
}

// RemoveSpotPending adds a pending-index delete to the batch
func (bw *BatchWrite) RemoveSpotPending(id uint64) error {
	return bw.batch.Delete(spotPendingKey(id), nil)
}

// SavePerpetualOrder adds a perpetual-order full-index write to the batch
func (bw *BatchWrite) SavePerpetualOrder(o *order.PerpetualOrder) error {
	return bw.set(perpOrderKey(o.OrderID), o)
}

// RemovePerpetualPending adds a pending-index delete to the batch
func (bw *BatchWrite) RemovePerpetualPending(id uint64) error {
	return bw.batch.Delete(perpPendingKey(id), nil)
}

// SaveReplyInfo adds a reply correlation entry to the batch
func (bw *BatchWrite) SaveReplyInfo(info *order.ReplyInfo) error {
	return bw.set(replyKey(info.ID), info)
}

// SetMaxReplyID adds the reply-id counter write to the batch
func (bw *BatchWrite) SetMaxReplyID(id uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return bw.batch.Set([]byte(keyMaxReplyID), buf[:], nil)
}

// Commit writes the batch to Pebble atomically
func (bw *BatchWrite) Commit() error {
	return bw.batch.Commit(pebble.Sync)
}

// Close closes the batch without committing
func (bw *BatchWrite) Close() error {
	return bw.batch.Close()
}
