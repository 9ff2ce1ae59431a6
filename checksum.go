package udpfetch

import "encoding/binary"

// onesComplementSum folds data into a 16-bit one's complement sum, treating
// the checksum field as zero. An odd trailing byte is padded with zero.
func onesComplementSum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		if i == offsetChecksum {
			continue
		}
		sum += uint32(binary.BigEndian.Uint16(data[i:]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

// computeChecksum returns the checksum to store for a serialized segment.
func computeChecksum(data []byte) uint16 {
	return ^onesComplementSum(data)
}

// verifyChecksum recomputes the checksum of a serialized segment and compares
// it with the transmitted one.
func verifyChecksum(data []byte) bool {
	if len(data) < HeaderLength {
		return false
	}
	return binary.BigEndian.Uint16(data[offsetChecksum:]) == computeChecksum(data)
}
