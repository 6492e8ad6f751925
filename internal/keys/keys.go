// Package keys implements the byte layout for versioned keys and entries
// shared by the memtable and SSTable tiers.
package keys

import (
	"bytes"
	"encoding/binary"
)

// TxnID identifies the transaction that wrote a given version of a key.
type TxnID uint64

// EncodedLen is the fixed size, in bytes, of the txn_id suffix appended to
// a user key when it is encoded for storage in a skip list or SSTable
// block.
const EncodedLen = 8

// VersionedKey is the pair (user_key, txn_id) that every entry in the
// engine is keyed by. Ordering is lexicographic ascending on UserKey, then
// descending on TxnID so that newer versions of the same user key sort
// first.
type VersionedKey struct {
	UserKey []byte
	TxnID   TxnID
}

// New builds a VersionedKey, copying userKey so the caller's slice can be
// reused.
func New(userKey []byte, txnID TxnID) VersionedKey {
	return VersionedKey{UserKey: append([]byte(nil), userKey...), TxnID: txnID}
}

// Encode produces the byte-comparable representation user_key || ^txn_id,
// where txn_id is complemented and written big-endian: for equal user
// keys a higher txn_id produces a smaller suffix, which is what gives the
// encoding (user_key asc, txn_id desc) ordering under a plain
// bytes.Compare.
func (k VersionedKey) Encode() []byte {
	buf := make([]byte, len(k.UserKey)+EncodedLen)
	copy(buf, k.UserKey)
	binary.BigEndian.PutUint64(buf[len(k.UserKey):], ^uint64(k.TxnID))
	return buf
}

// Decode parses a value previously produced by Encode.
func Decode(b []byte) VersionedKey {
	userKeyLen := len(b) - EncodedLen
	userKey := append([]byte(nil), b[:userKeyLen]...)
	txnID := TxnID(^binary.BigEndian.Uint64(b[userKeyLen:]))
	return VersionedKey{UserKey: userKey, TxnID: txnID}
}

// Compare orders two versioned keys (user_key asc, txn_id desc).
func Compare(a, b VersionedKey) int {
	if c := bytes.Compare(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	switch {
	case a.TxnID > b.TxnID:
		return -1
	case a.TxnID < b.TxnID:
		return 1
	default:
		return 0
	}
}

// Clone returns a deep copy of k.
func (k VersionedKey) Clone() VersionedKey {
	return VersionedKey{UserKey: append([]byte(nil), k.UserKey...), TxnID: k.TxnID}
}

// Entry binds a versioned key to either a value or a tombstone marker.
// Entries are immutable once constructed.
type Entry struct {
	Key       VersionedKey
	Value     []byte
	Tombstone bool
}

// NewValue constructs a live (non-tombstone) entry.
func NewValue(userKey []byte, txnID TxnID, value []byte) Entry {
	return Entry{Key: New(userKey, txnID), Value: append([]byte(nil), value...)}
}

// NewTombstone constructs a deletion marker entry.
func NewTombstone(userKey []byte, txnID TxnID) Entry {
	return Entry{Key: New(userKey, txnID), Tombstone: true}
}

// ApproxSize estimates the in-memory footprint of the entry, used to track
// memtable byte budgets.
func (e Entry) ApproxSize() int {
	return len(e.Key.UserKey) + EncodedLen + len(e.Value) + 16
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	return Entry{Key: e.Key.Clone(), Value: append([]byte(nil), e.Value...), Tombstone: e.Tombstone}
}
