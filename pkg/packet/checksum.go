/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: checksum.go
Description: Internet checksum helpers for IPv4, TCP and UDP (over IPv4 and IPv6
pseudo-headers) plus CRC-32C as used by iSCSI header and data digests.
*/

package packet

import (
	"encoding/binary"
	"hash/crc32"
	"net"
)

// IP protocol numbers used by the pseudo-header helpers
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// OnesComplementSum returns the folded 16-bit one's complement sum of data.
// Odd-length input is padded with a trailing zero byte.
func OnesComplementSum(data []byte) uint16 {
	var total uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		total += uint32(data[i])<<8 | uint32(data[i+1])
		total = (total & 0xFFFF) + (total >> 16)
	}
	if n%2 == 1 {
		total += uint32(data[n-1]) << 8
		total = (total & 0xFFFF) + (total >> 16)
	}
	return uint16(total)
}

// IPv4Checksum computes the header checksum. The checksum field of header
// must already be zeroed by the caller.
func IPv4Checksum(header []byte) uint16 {
	return ^OnesComplementSum(header)
}

// TCPChecksum computes the TCP checksum over the IPv4 pseudo-header
func TCPChecksum(src, dst net.IP, segment []byte) uint16 {
	return ^OnesComplementSum(pseudoHeader4(src, dst, ProtoTCP, segment))
}

// UDPChecksum computes the UDP checksum over the IPv4 pseudo-header.
// A computed value of zero is transmitted as 0xFFFF.
func UDPChecksum(src, dst net.IP, segment []byte) uint16 {
	return nonZero(^OnesComplementSum(pseudoHeader4(src, dst, ProtoUDP, segment)))
}

// TCP6Checksum computes the TCP checksum over the IPv6 pseudo-header
func TCP6Checksum(src, dst net.IP, segment []byte) uint16 {
	return ^OnesComplementSum(pseudoHeader6(src, dst, ProtoTCP, segment))
}

// UDP6Checksum computes the UDP checksum over the IPv6 pseudo-header
func UDP6Checksum(src, dst net.IP, segment []byte) uint16 {
	return nonZero(^OnesComplementSum(pseudoHeader6(src, dst, ProtoUDP, segment)))
}

// CRC32C returns the Castagnoli CRC of data
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

func nonZero(sum uint16) uint16 {
	if sum == 0 {
		return 0xFFFF
	}
	return sum
}

func pseudoHeader4(src, dst net.IP, proto uint8, segment []byte) []byte {
	buf := make([]byte, 12, 12+len(segment))
	copy(buf[0:4], src.To4())
	copy(buf[4:8], dst.To4())
	buf[9] = proto
	binary.BigEndian.PutUint16(buf[10:], uint16(len(segment)))
	return append(buf, segment...)
}

func pseudoHeader6(src, dst net.IP, proto uint8, segment []byte) []byte {
	buf := make([]byte, 40, 40+len(segment))
	copy(buf[0:16], src.To16())
	copy(buf[16:32], dst.To16())
	binary.BigEndian.PutUint32(buf[32:], uint32(len(segment)))
	buf[39] = proto
	return append(buf, segment...)
}
