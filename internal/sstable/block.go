package sstable

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"

	"github.com/mnohosten/laura-engine/internal/keys"
)

// Block is a contiguous run of sorted entries as laid out on disk: a
// sequence of (key_len, key, value_len, value, tombstone) records,
// optionally zstd-compressed, trailed by a CRC32 checksum.
//
// Grounded on the teacher's pkg/lsm/sstable.go entry layout
// (keyLen|key|valueLen|value|timestamp|deleted), generalized from one
// entry per file to many entries per block so blocks can be cached and
// compressed independently, the way pkg/storage/page.go pages are the
// unit cached by BufferPool.
type Block struct {
	Entries []keys.Entry
}

// ApproxSize estimates the in-memory size of the block's entries.
func (b *Block) ApproxSize() int {
	total := 0
	for _, e := range b.Entries {
		total += e.ApproxSize()
	}
	return total
}

// BlockBuilder accumulates entries until the target size is reached.
// Unlike the teacher's fixed-size Page, a Block is sized to a target, not
// an exact byte count: the last entry that would overflow the target
// starts a new block instead of being split.
type BlockBuilder struct {
	targetSize int
	entries    []keys.Entry
	size       int
}

// NewBlockBuilder creates a builder that closes a block once it has
// accumulated roughly targetSize bytes of entries.
func NewBlockBuilder(targetSize int) *BlockBuilder {
	return &BlockBuilder{targetSize: targetSize}
}

// Add appends entry to the block being built. It returns false, without
// modifying the builder, when adding the entry would exceed the target
// size and the builder already holds at least one entry; the caller
// should finish the current block and start a new one.
func (bb *BlockBuilder) Add(entry keys.Entry) bool {
	if len(bb.entries) > 0 && bb.size+entry.ApproxSize() > bb.targetSize {
		return false
	}
	bb.entries = append(bb.entries, entry)
	bb.size += entry.ApproxSize()
	return true
}

// Len reports the number of entries accumulated so far.
func (bb *BlockBuilder) Len() int {
	return len(bb.entries)
}

// Size reports the approximate byte size accumulated so far.
func (bb *BlockBuilder) Size() int {
	return bb.size
}

// Build finalizes the block and resets the builder.
func (bb *BlockBuilder) Build() *Block {
	blk := &Block{Entries: bb.entries}
	bb.entries = nil
	bb.size = 0
	return blk
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
var zstdDecoder, _ = zstd.NewReader(nil)

// EncodeBlock serializes a block to its on-disk form. When compress is
// true the entry payload is zstd-compressed before the checksum is
// computed, grounded on the teacher's compression package default of
// AlgorithmZstd.
func EncodeBlock(blk *Block, compress bool) []byte {
	var raw bytes.Buffer
	_ = binary.Write(&raw, binary.LittleEndian, uint32(len(blk.Entries)))
	for _, e := range blk.Entries {
		encKey := e.Key.Encode()
		_ = binary.Write(&raw, binary.LittleEndian, uint32(len(encKey)))
		raw.Write(encKey)

		_ = binary.Write(&raw, binary.LittleEndian, uint32(len(e.Value)))
		raw.Write(e.Value)

		if e.Tombstone {
			raw.WriteByte(1)
		} else {
			raw.WriteByte(0)
		}
	}

	payload := raw.Bytes()
	compressedFlag := byte(0)
	if compress {
		payload = zstdEncoder.EncodeAll(payload, nil)
		compressedFlag = 1
	}

	out := make([]byte, 0, len(payload)+9)
	out = append(out, compressedFlag)
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(payload)))
	out = append(out, lenBuf...)
	out = append(out, payload...)

	checksum := crc32.ChecksumIEEE(out)
	checksumBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(checksumBuf, checksum)
	out = append(out, checksumBuf...)

	return out
}

// DecodeBlock parses a block previously produced by EncodeBlock.
func DecodeBlock(data []byte) (*Block, error) {
	if len(data) < 9 {
		return nil, ErrBlockChecksumMismatch
	}
	body := data[:len(data)-4]
	storedChecksum := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != storedChecksum {
		return nil, ErrBlockChecksumMismatch
	}

	compressedFlag := body[0]
	payloadLen := binary.LittleEndian.Uint32(body[1:5])
	payload := body[5 : 5+payloadLen]

	if compressedFlag == 1 {
		decoded, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, err
		}
		payload = decoded
	}

	r := bytes.NewReader(payload)
	var numEntries uint32
	if err := binary.Read(r, binary.LittleEndian, &numEntries); err != nil {
		return nil, err
	}

	entries := make([]keys.Entry, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		var keyLen uint32
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			return nil, err
		}
		encKey := make([]byte, keyLen)
		if _, err := r.Read(encKey); err != nil {
			return nil, err
		}

		var valLen uint32
		if err := binary.Read(r, binary.LittleEndian, &valLen); err != nil {
			return nil, err
		}
		var value []byte
		if valLen > 0 {
			value = make([]byte, valLen)
			if _, err := r.Read(value); err != nil {
				return nil, err
			}
		}

		tombstoneByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}

		vk := keys.Decode(encKey)
		entries = append(entries, keys.Entry{Key: vk, Value: value, Tombstone: tombstoneByte == 1})
	}

	return &Block{Entries: entries}, nil
}
