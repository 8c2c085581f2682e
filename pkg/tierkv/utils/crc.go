package utils

import (
	"hash/crc32"
)

// CRC32C uses the Castagnoli polynomial for better error detection.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeCRC32C computes the CRC32C checksum of data.
func ComputeCRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// ComputeCRC32CMulti computes the CRC32C checksum over multiple slices.
func ComputeCRC32CMulti(data ...[]byte) uint32 {
	h := crc32.New(crcTable)
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum32()
}

// VerifyCRC32C verifies that the given CRC matches the data.
func VerifyCRC32C(data []byte, expected uint32) bool {
	return ComputeCRC32C(data) == expected
}
