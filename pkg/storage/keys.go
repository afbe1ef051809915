package storage

import "fmt"

// Pebble key schema.
// Design principles:
// 1. Prefix-based so each index can be range-scanned independently
// 2. Zero-padded order ids so lexicographic iteration is ascending-numeric
// 3. Pending indexes are separate keyspaces, always a subset of the full index

const (
	prefixSpotOrder   = "spot:"  // all spot orders, any status
	prefixSpotPending = "spotp:" // spot orders awaiting trigger evaluation
	prefixPerpOrder   = "perp:"  // all perpetual orders, any status
	prefixPerpPending = "perpp:" // perpetual orders awaiting trigger evaluation
	prefixReply       = "reply:" // reply correlation entries
)

// keyMaxReplyID stores the highest reply id ever allocated.
const keyMaxReplyID = "meta:max_reply_id"

// spotOrderKey returns the full-index key for a spot order.
// Format: "spot:{id}" with the id zero-padded to 20 digits.
func spotOrderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixSpotOrder, id))
}

func spotPendingKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixSpotPending, id))
}

func perpOrderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixPerpOrder, id))
}

func perpPendingKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixPerpPending, id))
}

// replyKey returns the key for a reply correlation entry.
// Format: "reply:{id}" zero-padded.
func replyKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixReply, id))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan by
// incrementing the last byte of the prefix.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
