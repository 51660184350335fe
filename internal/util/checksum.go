package util

import (
	"encoding/binary"
	"hash/crc32"
)

// Checksum utilities for data integrity validation.
// All on-disk formats use CRC32 with the Castagnoli polynomial.

const ChecksumSize = 4

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum computes a CRC32C checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ExtendChecksum continues a running checksum with more data
func ExtendChecksum(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crc32Table, data)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// AppendChecksum appends the big-endian checksum of data to dst.
// Format: [data][checksum (4 bytes)]
func AppendChecksum(dst, data []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, ComputeChecksum(data))
}

// ValidateAndStripChecksum validates the trailing checksum and returns the data
// without it. Format: [data][checksum (4 bytes)]
func ValidateAndStripChecksum(dataWithChecksum []byte) ([]byte, bool) {
	if len(dataWithChecksum) < ChecksumSize {
		return nil, false
	}
	dataLen := len(dataWithChecksum) - ChecksumSize
	data := dataWithChecksum[:dataLen]
	expected := binary.BigEndian.Uint32(dataWithChecksum[dataLen:])
	return data, ValidateChecksum(data, expected)
}
