package sstable

import "errors"

var (
	// ErrInvalidBloomFilter is returned when a serialized bloom filter
	// footer is too short to contain its own header.
	ErrInvalidBloomFilter = errors.New("sstable: invalid bloom filter encoding")

	// ErrInvalidFooter is returned when an SSTable's trailing footer does
	// not carry the expected magic number or fails its checksum.
	ErrInvalidFooter = errors.New("sstable: invalid or corrupt footer")

	// ErrBlockChecksumMismatch is returned when a decoded block's stored
	// checksum does not match its recomputed checksum.
	ErrBlockChecksumMismatch = errors.New("sstable: block checksum mismatch")

	// ErrKeyNotFound reports a key definitely absent from an SSTable.
	// SSTable.Get does not return it: Get reports absence as ok=false
	// with a nil error.
	ErrKeyNotFound = errors.New("sstable: key not found")
)
