// Package manifest implements the per-keyspace append-only structural
// log: every memtable flush, compaction task, and keyspace creation is
// recorded as an operation with a separate completion marker, so
// recovery can identify and clean up work interrupted by a crash.
package manifest

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/mnohosten/laura-engine/internal/engineid"
)

// OpKind tags the structural operation an Operation record describes.
type OpKind uint8

const (
	// OpMemtableFlush records a memtable being written out as a new
	// level-0 SSTable.
	OpMemtableFlush OpKind = iota
	// OpCompactionTask records a compaction task's input/output
	// SSTable ids.
	OpCompactionTask
	// OpKeyspaceCreate records a new keyspace coming into existence.
	OpKeyspaceCreate
)

// MemtableFlushPayload is the JSON body of an OpMemtableFlush record.
type MemtableFlushPayload struct {
	SSTableID  uint64 `json:"sstable_id"`
	MemtableID uint64 `json:"memtable_id"`
}

// CompactionTaskPayload is the JSON body of an OpCompactionTask record.
type CompactionTaskPayload struct {
	InputIDs    []uint64 `json:"input_ids"`
	OutputIDs   []uint64 `json:"output_ids"`
	SourceLevel int      `json:"source_level"`
	TargetLevel int      `json:"target_level"`
}

// KeyspaceCreatePayload is the JSON body of an OpKeyspaceCreate record.
type KeyspaceCreatePayload struct {
	KeyspaceID uint32 `json:"keyspace_id"`
}

// Operation is one structural log entry prior to its completion.
type Operation struct {
	OpID    uint64
	Kind    OpKind
	Payload []byte
}

// recordTag distinguishes an Operation record from a Completion record
// on disk.
type recordTag uint8

const (
	tagOperation recordTag = iota
	tagCompletion
)

// Manifest is the append-only, length-prefixed, checksummed structural
// log for one keyspace.
//
// Grounded on the teacher's pkg/storage/wal.go append-and-fsync
// discipline and dd0wney-graphdb's pkg/wal/compressed_wal.go CRC32
// checksum-per-record convention, generalized from fixed page/insert
// records to the manifest's two record kinds (Operation, Completion)
// with JSON payloads so new operation kinds never require a binary
// layout change.
type Manifest struct {
	mu    sync.Mutex
	file  *os.File
	alloc *engineid.Allocator
}

// Open opens or creates the manifest file at path. startOpID should be
// one past the highest operation_id seen during a prior recovery scan,
// or 1 for a brand new keyspace.
func Open(path string, startOpID uint64) (*Manifest, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("manifest: open: %w", err)
	}
	return &Manifest{file: f, alloc: engineid.NewAllocator(startOpID)}, nil
}

// AppendOperation assigns a fresh operation_id, persists the operation
// record, fsyncs, and returns the id.
func (m *Manifest) AppendOperation(kind OpKind, payload any) (uint64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("manifest: marshal payload: %w", err)
	}

	opID := m.alloc.Next()
	record := encodeRecord(tagOperation, opID, byte(kind), body)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.file.Write(record); err != nil {
		return 0, fmt.Errorf("manifest: append operation: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		return 0, fmt.Errorf("manifest: fsync: %w", err)
	}
	return opID, nil
}

// MarkCompleted appends a completion record for opID.
func (m *Manifest) MarkCompleted(opID uint64) error {
	return m.markCompleted(opID, nil)
}

// MarkCompletedWithPayload appends a completion record for opID carrying
// a JSON payload, used by compaction to record the output SSTable ids
// that only become known once the task finishes — information recovery
// needs to reconstruct the registry but that the original Operation
// record, logged before execution, could not yet contain.
func (m *Manifest) MarkCompletedWithPayload(opID uint64, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("manifest: marshal completion payload: %w", err)
	}
	return m.markCompleted(opID, body)
}

func (m *Manifest) markCompleted(opID uint64, payload []byte) error {
	record := encodeRecord(tagCompletion, opID, 0, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.file.Write(record); err != nil {
		return fmt.Errorf("manifest: append completion: %w", err)
	}
	return m.file.Sync()
}

// encodeRecord lays out one record as:
// tag(1) | op_id(8) | kind(1) | payload_len(4) | payload | checksum(4)
func encodeRecord(tag recordTag, opID uint64, kind byte, payload []byte) []byte {
	body := make([]byte, 0, 14+len(payload))
	body = append(body, byte(tag))
	opIDBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(opIDBuf, opID)
	body = append(body, opIDBuf...)
	body = append(body, kind)
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(payload)))
	body = append(body, lenBuf...)
	body = append(body, payload...)

	checksum := crc32.ChecksumIEEE(body)
	checksumBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(checksumBuf, checksum)
	return append(body, checksumBuf...)
}

// Close releases the manifest's file handle.
func (m *Manifest) Close() error {
	return m.file.Close()
}

// Record is a decoded manifest entry produced by Replay.
type Record struct {
	Tag     recordTag
	OpID    uint64
	Kind    OpKind
	Payload []byte
}

// IsOperation reports whether r is an Operation record.
func (r Record) IsOperation() bool { return r.Tag == tagOperation }

// Replay reads every well-formed record from the manifest at path in
// order. A truncated trailing record (a crash mid-write) is treated as
// the end of the log rather than an error, matching the spec's
// tolerance for an incomplete final write.
func Replay(path string) ([]Record, uint64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("manifest: open for replay: %w", err)
	}
	defer f.Close()

	var records []Record
	var maxOpID uint64

	header := make([]byte, 14)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			break
		}
		tag := recordTag(header[0])
		opID := binary.LittleEndian.Uint64(header[1:9])
		kind := header[9]
		payloadLen := binary.LittleEndian.Uint32(header[10:14])

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(f, payload); err != nil {
			break
		}
		checksumBuf := make([]byte, 4)
		if _, err := io.ReadFull(f, checksumBuf); err != nil {
			break
		}
		expected := binary.LittleEndian.Uint32(checksumBuf)

		full := append(append([]byte{}, header...), payload...)
		if crc32.ChecksumIEEE(full) != expected {
			break
		}

		if opID > maxOpID {
			maxOpID = opID
		}
		records = append(records, Record{Tag: tag, OpID: opID, Kind: OpKind(kind), Payload: payload})
	}

	return records, maxOpID, nil
}

// PendingOperations returns the operations in records that have no
// matching completion, in the order they were appended: the set
// recovery must resolve (re-execute or roll back) per §4.9.
func PendingOperations(records []Record) []Record {
	completed := make(map[uint64]bool)
	for _, r := range records {
		if !r.IsOperation() {
			completed[r.OpID] = true
		}
	}
	var pending []Record
	for _, r := range records {
		if r.IsOperation() && !completed[r.OpID] {
			pending = append(pending, r)
		}
	}
	return pending
}
