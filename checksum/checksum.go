// Package checksum implements the Internet checksum (RFC 1071) over
// IPv4 headers, ICMP messages and TCP segments.
package checksum

import "encoding/binary"

// ProtocolTCP is the IP protocol number used in the TCP pseudo-header.
const ProtocolTCP = 6

// Sum adds b to the running 32-bit ones-complement accumulator sum,
// 16 bits at a time. A trailing odd byte is padded with zero.
func Sum(b []byte, sum uint32) uint32 {
	n := len(b) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b) != n {
		sum += uint32(b[n]) << 8
	}
	return sum
}

// Fold folds the carries of sum back into the low 16 bits and returns
// the ones complement of the result.
func Fold(sum uint32) uint16 {
	// In one's complement, each carry should increment the sum, and
	// in some cases carry increments cause another carry.
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Checksum returns the Internet checksum of b.
func Checksum(b []byte) uint16 {
	return Fold(Sum(b, 0))
}

// Valid reports whether b, including its embedded checksum field,
// sums to zero.
func Valid(b []byte) bool {
	return Checksum(b) == 0
}

// pseudoHeader returns the partial sum of the 12-byte TCP/UDP
// pseudo-header: source, destination, zero, protocol, length.
func pseudoHeader(src, dst [4]byte, proto uint8, length int) uint32 {
	var ph [12]byte
	copy(ph[0:4], src[:])
	copy(ph[4:8], dst[:])
	ph[9] = proto
	binary.BigEndian.PutUint16(ph[10:12], uint16(length))
	return Sum(ph[:], 0)
}

// TCP returns the checksum of segment (TCP header and payload) under
// the pseudo-header built from src and dst. The checksum field inside
// segment must be zero for the result to be the value to store.
func TCP(src, dst [4]byte, segment []byte) uint16 {
	return Fold(Sum(segment, pseudoHeader(src, dst, ProtocolTCP, len(segment))))
}

// ValidTCP reports whether segment carries a correct TCP checksum.
func ValidTCP(src, dst [4]byte, segment []byte) bool {
	return TCP(src, dst, segment) == 0
}

// SetIPv4 recomputes the header checksum of the IPv4 header hdr in
// place. hdr must be exactly the header (IHL*4 bytes).
func SetIPv4(hdr []byte) {
	hdr[10], hdr[11] = 0, 0
	binary.BigEndian.PutUint16(hdr[10:12], Checksum(hdr))
}

// SetICMP recomputes the checksum of the ICMP message msg in place.
func SetICMP(msg []byte) {
	msg[2], msg[3] = 0, 0
	binary.BigEndian.PutUint16(msg[2:4], Checksum(msg))
}

// SetTCP recomputes the checksum of segment in place.
func SetTCP(src, dst [4]byte, segment []byte) {
	segment[16], segment[17] = 0, 0
	binary.BigEndian.PutUint16(segment[16:18], TCP(src, dst, segment))
}
