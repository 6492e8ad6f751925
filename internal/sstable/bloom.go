package sstable

import (
	"encoding/binary"
	"hash/fnv"
)

// BloomFilter is a probabilistic membership set over user keys, one per
// SSTable. False positives are possible; false negatives are not.
//
// Grounded on the teacher's pkg/lsm/bloom.go FNV double-hashing scheme,
// generalized to size itself from the configured bloom_filter_n_entries
// rather than a hardcoded entry count.
type BloomFilter struct {
	bits      []byte
	nBits     int
	numHashes int
}

// NewBloomFilter sizes a filter for nEntries expected keys at roughly a 1%
// false-positive rate (10 bits/key, 7 hash functions).
func NewBloomFilter(nEntries int) *BloomFilter {
	if nEntries <= 0 {
		nEntries = 1
	}
	nBits := nEntries * 10
	return &BloomFilter{
		bits:      make([]byte, (nBits+7)/8),
		nBits:     nBits,
		numHashes: 7,
	}
}

// Add records key's membership.
func (bf *BloomFilter) Add(key []byte) {
	for i := 0; i < bf.numHashes; i++ {
		bf.setBit(bf.hash(key, i))
	}
}

// MayContain reports whether key might be present. A false result is
// authoritative: the key is definitely absent.
func (bf *BloomFilter) MayContain(key []byte) bool {
	for i := 0; i < bf.numHashes; i++ {
		if !bf.getBit(bf.hash(key, i)) {
			return false
		}
	}
	return true
}

func (bf *BloomFilter) setBit(bit uint64) {
	idx := bit % uint64(bf.nBits)
	bf.bits[idx/8] |= 1 << (idx % 8)
}

func (bf *BloomFilter) getBit(bit uint64) bool {
	idx := bit % uint64(bf.nBits)
	return bf.bits[idx/8]&(1<<(idx%8)) != 0
}

func (bf *BloomFilter) hash(key []byte, i int) uint64 {
	h := fnv.New64a()
	h.Write(key)
	h1 := h.Sum64()

	h.Reset()
	h.Write(key)
	h.Write([]byte{byte(i)})
	h2 := h.Sum64()

	return h1 + uint64(i)*h2
}

// Marshal serializes the filter for inclusion in an SSTable footer.
func (bf *BloomFilter) Marshal() []byte {
	buf := make([]byte, 8+len(bf.bits))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(bf.nBits))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(bf.numHashes))
	copy(buf[8:], bf.bits)
	return buf
}

// UnmarshalBloomFilter parses a filter previously produced by Marshal.
func UnmarshalBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 8 {
		return nil, ErrInvalidBloomFilter
	}
	nBits := int(binary.LittleEndian.Uint32(data[0:4]))
	numHashes := int(binary.LittleEndian.Uint32(data[4:8]))
	bits := append([]byte(nil), data[8:]...)
	return &BloomFilter{bits: bits, nBits: nBits, numHashes: numHashes}, nil
}
