/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: layers.go
Description: Closed set of header layer variants. Ethernet, IPv4, IPv6, TCP and UDP wrap the
gopacket layer structs and add a named field table plus auto flags that decide whether length
and checksum fields are recomputed on serialization or kept exactly as set.
*/

package packet

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Layer is one header (or opaque payload) in a Packet's stack
type Layer interface {
	gopacket.SerializableLayer

	// Name returns the layer name used for lookups ("IPv4", "TCP", ...)
	Name() string

	fields() []*field
	serializeOptions() gopacket.SerializeOptions
}

// Ethernet is an Ethernet II header
type Ethernet struct {
	layers.Ethernet
}

// Name returns the layer name
func (l *Ethernet) Name() string { return "Ethernet" }

func (l *Ethernet) fields() []*field {
	return []*field{
		fixedBytes("dst", 6, func() []byte { return l.DstMAC }, func(b []byte) { l.DstMAC = net.HardwareAddr(b) }),
		fixedBytes("src", 6, func() []byte { return l.SrcMAC }, func(b []byte) { l.SrcMAC = net.HardwareAddr(b) }),
		num("type", 16, &l.EthernetType),
	}
}

func (l *Ethernet) serializeOptions() gopacket.SerializeOptions {
	return gopacket.SerializeOptions{}
}

// IPv4 is an IPv4 header. ihl and len are pinned independently.
type IPv4 struct {
	layers.IPv4
	AutoIHL         bool `json:"auto_ihl"`          // Recompute ihl on serialization
	AutoTotalLength bool `json:"auto_total_length"` // Recompute len on serialization
	AutoChecksum    bool `json:"auto_checksum"`     // Recompute chksum on serialization
}

// Name returns the layer name
func (l *IPv4) Name() string { return "IPv4" }

func (l *IPv4) fields() []*field {
	return []*field{
		num("version", 4, &l.Version),
		num("ihl", 4, &l.IHL).pins(func() { l.AutoIHL = false }),
		num("tos", 8, &l.TOS),
		num("len", 16, &l.Length).pins(func() { l.AutoTotalLength = false }),
		num("id", 16, &l.Id),
		num("flags", 3, &l.Flags),
		num("frag", 13, &l.FragOffset),
		num("ttl", 8, &l.TTL),
		num("proto", 8, &l.Protocol),
		num("chksum", 16, &l.Checksum).pins(func() { l.AutoChecksum = false }),
		fixedBytes("src", 4, func() []byte { return ip4(l.SrcIP) }, func(b []byte) { l.SrcIP = net.IP(b) }),
		fixedBytes("dst", 4, func() []byte { return ip4(l.DstIP) }, func(b []byte) { l.DstIP = net.IP(b) }),
	}
}

func (l *IPv4) serializeOptions() gopacket.SerializeOptions {
	return gopacket.SerializeOptions{FixLengths: l.AutoIHL || l.AutoTotalLength, ComputeChecksums: l.AutoChecksum}
}

// SerializeTo lets gopacket fix the lengths, then puts back whichever of ihl and
// len is pinned and recomputes the checksum over the final header.
func (l *IPv4) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	ihl, length := l.IHL, l.Length
	before := len(b.Bytes())
	if err := l.IPv4.SerializeTo(b, opts); err != nil {
		return err
	}
	if !opts.FixLengths || (l.AutoIHL && l.AutoTotalLength) {
		return nil
	}

	hdr := b.Bytes()[:len(b.Bytes())-before]
	if !l.AutoIHL {
		l.IHL = ihl
		hdr[0] = l.Version<<4 | ihl&0x0f
	}
	if !l.AutoTotalLength {
		l.Length = length
		binary.BigEndian.PutUint16(hdr[2:4], length)
	}
	if opts.ComputeChecksums {
		hdr[10], hdr[11] = 0, 0
		l.Checksum = IPv4Checksum(hdr)
		binary.BigEndian.PutUint16(hdr[10:12], l.Checksum)
	}
	return nil
}

// IPv6 is a fixed IPv6 header
type IPv6 struct {
	layers.IPv6
	AutoLength bool `json:"auto_length"`
}

// Name returns the layer name
func (l *IPv6) Name() string { return "IPv6" }

func (l *IPv6) fields() []*field {
	return []*field{
		num("version", 4, &l.Version),
		num("tc", 8, &l.TrafficClass),
		num("fl", 20, &l.FlowLabel),
		num("plen", 16, &l.Length).pins(func() { l.AutoLength = false }),
		num("nh", 8, &l.NextHeader),
		num("hlim", 8, &l.HopLimit),
		fixedBytes("src", 16, func() []byte { return ip16(l.SrcIP) }, func(b []byte) { l.SrcIP = net.IP(b) }),
		fixedBytes("dst", 16, func() []byte { return ip16(l.DstIP) }, func(b []byte) { l.DstIP = net.IP(b) }),
	}
}

func (l *IPv6) serializeOptions() gopacket.SerializeOptions {
	return gopacket.SerializeOptions{FixLengths: l.AutoLength}
}

// TCP flag bits as carried in the "flags" field
const (
	FlagFIN uint64 = 0x001
	FlagSYN uint64 = 0x002
	FlagRST uint64 = 0x004
	FlagPSH uint64 = 0x008
	FlagACK uint64 = 0x010
	FlagURG uint64 = 0x020
	FlagECE uint64 = 0x040
	FlagCWR uint64 = 0x080
	FlagNS  uint64 = 0x100
)

// TCP is a TCP header
type TCP struct {
	layers.TCP
	AutoLength   bool `json:"auto_length"`
	AutoChecksum bool `json:"auto_checksum"`
}

// Name returns the layer name
func (l *TCP) Name() string { return "TCP" }

// Flags returns the flag bits packed as in the wire header
func (l *TCP) Flags() uint64 {
	var f uint64
	bits := []struct {
		set bool
		bit uint64
	}{
		{l.FIN, FlagFIN}, {l.SYN, FlagSYN}, {l.RST, FlagRST}, {l.PSH, FlagPSH}, {l.ACK, FlagACK},
		{l.URG, FlagURG}, {l.ECE, FlagECE}, {l.CWR, FlagCWR}, {l.NS, FlagNS},
	}
	for _, b := range bits {
		if b.set {
			f |= b.bit
		}
	}
	return f
}

// SetFlags replaces all flag bits
func (l *TCP) SetFlags(f uint64) {
	l.FIN = f&FlagFIN != 0
	l.SYN = f&FlagSYN != 0
	l.RST = f&FlagRST != 0
	l.PSH = f&FlagPSH != 0
	l.ACK = f&FlagACK != 0
	l.URG = f&FlagURG != 0
	l.ECE = f&FlagECE != 0
	l.CWR = f&FlagCWR != 0
	l.NS = f&FlagNS != 0
}

func (l *TCP) fields() []*field {
	return []*field{
		num("sport", 16, &l.SrcPort),
		num("dport", 16, &l.DstPort),
		num("seq", 32, &l.Seq),
		num("ack", 32, &l.Ack),
		num("dataofs", 4, &l.DataOffset).pins(func() { l.AutoLength = false }),
		{
			FieldSpec: FieldSpec{Name: "flags", Kind: KindInt, Bits: 9},
			get:       l.Flags,
			set:       func(v uint64) { l.SetFlags(v & mask(9)) },
		},
		num("window", 16, &l.Window),
		num("chksum", 16, &l.Checksum).pins(func() { l.AutoChecksum = false }),
		num("urgptr", 16, &l.Urgent),
	}
}

func (l *TCP) serializeOptions() gopacket.SerializeOptions {
	return gopacket.SerializeOptions{FixLengths: l.AutoLength, ComputeChecksums: l.AutoChecksum}
}

// UDP is a UDP header
type UDP struct {
	layers.UDP
	AutoLength   bool `json:"auto_length"`
	AutoChecksum bool `json:"auto_checksum"`
}

// Name returns the layer name
func (l *UDP) Name() string { return "UDP" }

func (l *UDP) fields() []*field {
	return []*field{
		num("sport", 16, &l.SrcPort),
		num("dport", 16, &l.DstPort),
		num("len", 16, &l.Length).pins(func() { l.AutoLength = false }),
		num("chksum", 16, &l.Checksum).pins(func() { l.AutoChecksum = false }),
	}
}

func (l *UDP) serializeOptions() gopacket.SerializeOptions {
	return gopacket.SerializeOptions{FixLengths: l.AutoLength, ComputeChecksums: l.AutoChecksum}
}

// Raw carries opaque bytes: an unparsed payload, or a whole frame that no longer parses
type Raw struct {
	Load []byte `json:"load"`
}

// Name returns the layer name
func (l *Raw) Name() string { return "Raw" }

// LayerType implements gopacket.SerializableLayer
func (l *Raw) LayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

// SerializeTo implements gopacket.SerializableLayer
func (l *Raw) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(len(l.Load))
	if err != nil {
		return err
	}
	copy(bytes, l.Load)
	return nil
}

func (l *Raw) fields() []*field {
	return []*field{
		varBytes("load", func() []byte { return l.Load }, func(b []byte) { l.Load = b }),
	}
}

func (l *Raw) serializeOptions() gopacket.SerializeOptions {
	return gopacket.SerializeOptions{}
}

func ip4(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return make([]byte, 4)
}

func ip16(ip net.IP) []byte {
	if v6 := ip.To16(); v6 != nil {
		return v6
	}
	return make([]byte, 16)
}
