/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: packet.go
Description: Packet is an ordered stack of layers with deep-copy value semantics.
Serialization walks the stack inner to outer through a gopacket serialize buffer so each
layer sees its payload; parsing rebuilds the stack and falls back to a single raw layer
when the bytes no longer describe a well-formed frame.
*/

package packet

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mohae/deepcopy"
)

// Packet is an ordered stack of layers, outermost first
type Packet struct {
	layers []Layer
}

// New creates a packet from layers, outermost first
func New(ls ...Layer) *Packet {
	return &Packet{layers: append([]Layer(nil), ls...)}
}

// FromBytes wraps data in a single raw layer
func FromBytes(data []byte) *Packet {
	return New(&Raw{Load: append([]byte(nil), data...)})
}

// Layers returns the layer stack; the slice is a copy but the layers are shared
func (p *Packet) Layers() []Layer {
	return append([]Layer(nil), p.layers...)
}

// NumLayers returns the depth of the stack
func (p *Packet) NumLayers() int {
	return len(p.layers)
}

// Layer returns the i-th layer
func (p *Packet) Layer(i int) Layer {
	return p.layers[i]
}

// Append pushes a layer onto the inner end of the stack
func (p *Packet) Append(l Layer) {
	p.layers = append(p.layers, l)
}

// TruncateLayers keeps the first n layers
func (p *Packet) TruncateLayers(n int) {
	if n < len(p.layers) {
		p.layers = p.layers[:n]
	}
}

// IsRaw reports whether the packet is a single opaque layer
func (p *Packet) IsRaw() bool {
	if len(p.layers) != 1 {
		return false
	}
	_, ok := p.layers[0].(*Raw)
	return ok
}

// Find returns the first layer whose name matches, exactly (case-insensitive,
// spaces and underscores ignored) or by substring
func (p *Packet) Find(name string) Layer {
	want := normalize(name)
	for _, l := range p.layers {
		if normalize(l.Name()) == want {
			return l
		}
	}
	for _, l := range p.layers {
		if strings.Contains(normalize(l.Name()), want) {
			return l
		}
	}
	return nil
}

func normalize(s string) string {
	return strings.NewReplacer(" ", "", "_", "").Replace(strings.ToLower(s))
}

func first[T Layer](p *Packet) T {
	var zero T
	for _, l := range p.layers {
		if t, ok := l.(T); ok {
			return t
		}
	}
	return zero
}

// Ethernet returns the first Ethernet layer or nil
func (p *Packet) Ethernet() *Ethernet { return first[*Ethernet](p) }

// IPv4 returns the first IPv4 layer or nil
func (p *Packet) IPv4() *IPv4 { return first[*IPv4](p) }

// IPv6 returns the first IPv6 layer or nil
func (p *Packet) IPv6() *IPv6 { return first[*IPv6](p) }

// TCP returns the first TCP layer or nil
func (p *Packet) TCP() *TCP { return first[*TCP](p) }

// UDP returns the first UDP layer or nil
func (p *Packet) UDP() *UDP { return first[*UDP](p) }

// ISCSI returns the first iSCSI layer or nil
func (p *Packet) ISCSI() *ISCSI { return first[*ISCSI](p) }

// Clone returns a deep copy sharing no mutable state with p
func (p *Packet) Clone() *Packet {
	out := &Packet{layers: make([]Layer, len(p.layers))}
	for i, l := range p.layers {
		out.layers[i] = deepcopy.Copy(l).(Layer)
	}
	return out
}

// Serialize encodes the packet. Auto length and checksum fields are recomputed
// and written back into their layers; pinned fields are emitted as set.
func (p *Packet) Serialize() ([]byte, error) {
	linked := make([]bool, len(p.layers))
	var network gopacket.NetworkLayer
	for i, l := range p.layers {
		switch t := l.(type) {
		case *IPv4:
			network = &t.IPv4
		case *IPv6:
			network = &t.IPv6
		case *TCP:
			if network != nil {
				linked[i] = t.SetNetworkLayerForChecksum(network) == nil
			}
		case *UDP:
			if network != nil {
				linked[i] = t.SetNetworkLayerForChecksum(network) == nil
			}
		}
	}

	buf := gopacket.NewSerializeBuffer()
	for i := len(p.layers) - 1; i >= 0; i-- {
		l := p.layers[i]
		opts := l.serializeOptions()
		switch l.(type) {
		case *TCP, *UDP:
			if !linked[i] {
				opts.ComputeChecksums = false
			}
		}
		if err := l.SerializeTo(buf, opts); err != nil {
			return nil, fmt.Errorf("serialize %s: %w", l.Name(), err)
		}
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// Len is the serialized length, or 0 when the packet cannot be serialized
func (p *Packet) Len() int {
	b, err := p.Serialize()
	if err != nil {
		return 0
	}
	return len(b)
}

// HeaderLen is the number of bytes a layer itself contributes to the frame, excluding
// inner layers. For iSCSI that is the BHS; for Raw the whole load.
func HeaderLen(l Layer) int {
	switch t := l.(type) {
	case *Ethernet:
		return 14
	case *ISCSI:
		return BHSLength
	case *Raw:
		return len(t.Load)
	case *IPv6:
		return 40
	case *UDP:
		return 8
	}
	buf := gopacket.NewSerializeBuffer()
	if err := l.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		return 20
	}
	return len(buf.Bytes())
}

// Offset returns the byte offset of layer i within the serialized frame
func (p *Packet) Offset(i int) int {
	off := 0
	for _, l := range p.layers[:i] {
		off += HeaderLen(l)
	}
	return off
}

// Index returns the position of l in the stack, or -1
func (p *Packet) Index(l Layer) int {
	for i, x := range p.layers {
		if x == l {
			return i
		}
	}
	return -1
}

// Summary renders the stack as "Ethernet / IPv4 / TCP / iSCSI"
func (p *Packet) Summary() string {
	names := make([]string, len(p.layers))
	for i, l := range p.layers {
		names[i] = l.Name()
	}
	return strings.Join(names, " / ")
}

// Parse decodes an Ethernet frame into layers. Anything that fails to decode, or that
// would not serialize back to the identical bytes, comes back as a single raw layer.
func Parse(data []byte) *Packet {
	buf := append([]byte(nil), data...)
	p, err := decodeFrame(buf)
	if err == nil {
		if out, err := p.Serialize(); err == nil && bytes.Equal(out, buf) {
			return p
		}
	}
	return FromBytes(buf)
}

func decodeFrame(data []byte) (*Packet, error) {
	df := gopacket.NilDecodeFeedback
	p := &Packet{}

	eth := &Ethernet{}
	if err := eth.DecodeFromBytes(data, df); err != nil {
		return nil, err
	}
	eth.BaseLayer = layers.BaseLayer{}
	p.Append(eth)
	rest := data[14:]

	var proto layers.IPProtocol
	var payload, trailer []byte
	switch eth.EthernetType {
	case layers.EthernetTypeIPv4:
		ip := &IPv4{}
		if err := ip.DecodeFromBytes(rest, df); err != nil {
			return nil, err
		}
		payload = ip.Payload
		trailer = rest[len(ip.Contents)+len(ip.Payload):]
		proto = ip.Protocol
		ip.BaseLayer = layers.BaseLayer{}
		p.Append(ip)
	case layers.EthernetTypeIPv6:
		ip := &IPv6{}
		if err := ip.DecodeFromBytes(rest, df); err != nil {
			return nil, err
		}
		if ip.HopByHop != nil {
			return nil, fmt.Errorf("ipv6 extension headers not supported")
		}
		payload = ip.Payload
		trailer = rest[len(ip.Contents)+len(ip.Payload):]
		proto = ip.NextHeader
		ip.BaseLayer = layers.BaseLayer{}
		p.Append(ip)
	default:
		if len(rest) > 0 {
			p.Append(rawOf(rest))
		}
		return p, nil
	}

	switch proto {
	case layers.IPProtocolTCP:
		tcp := &TCP{}
		if err := tcp.DecodeFromBytes(payload, df); err != nil {
			return nil, err
		}
		seg := tcp.Payload
		tcp.BaseLayer = layers.BaseLayer{}
		p.Append(tcp)
		if (tcp.SrcPort == ISCSIPort || tcp.DstPort == ISCSIPort) && len(seg) >= BHSLength {
			pdu, tail, err := DecodeISCSI(seg)
			if err == nil {
				p.Append(pdu)
				seg = tail
			}
		}
		if len(seg) > 0 {
			p.Append(rawOf(seg))
		}
	case layers.IPProtocolUDP:
		udp := &UDP{}
		if err := udp.DecodeFromBytes(payload, df); err != nil {
			return nil, err
		}
		seg := udp.Payload
		udp.BaseLayer = layers.BaseLayer{}
		p.Append(udp)
		if len(seg) > 0 {
			p.Append(rawOf(seg))
		}
	default:
		if len(payload) > 0 {
			p.Append(rawOf(payload))
		}
	}
	if len(trailer) > 0 {
		p.Append(rawOf(trailer))
	}
	return p, nil
}

func rawOf(b []byte) *Raw {
	return &Raw{Load: append([]byte(nil), b...)}
}
