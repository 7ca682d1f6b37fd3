/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: bhs.go
Description: iSCSI Basic Header Segment layer. The 48-byte header is described by an ordered
bit-field layout selected by opcode; the data segment follows, padded to a 4-byte boundary.
The layer registers itself with gopacket so captured traffic on port 3260 decodes to it.
*/

package packet

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// BHSLength is the size of the iSCSI Basic Header Segment
const BHSLength = 48

// ISCSIPort is the well-known iSCSI target port
const ISCSIPort = 3260

// LayerTypeISCSI is the gopacket layer type of the BHS layer
var LayerTypeISCSI = gopacket.RegisterLayerType(2100, gopacket.LayerTypeMetadata{
	Name:    "iSCSI",
	Decoder: gopacket.DecodeFunc(decodeISCSI),
})

func init() {
	layers.RegisterTCPPortLayerType(ISCSIPort, LayerTypeISCSI)
}

// BHSField is one bit field of the header. Fields wider than 64 bits are byte strings.
type BHSField struct {
	Name  string `json:"name"`
	Bits  int    `json:"bits"`
	Value uint64 `json:"value,omitempty"`
	Raw   []byte `json:"raw,omitempty"`
}

func (f BHSField) wide() bool { return f.Bits > 64 }

type slot struct {
	name string
	bits int
}

var commonHead = []slot{{"reserved1", 1}, {"immediate", 1}, {"opcode", 6}}

var bhsLayouts = map[uint8][]slot{
	0x00: { // NOP-Out
		{"final", 1}, {"reserved2", 7}, {"reserved3", 16}, {"total_ahs_length", 8}, {"data_segment_length", 24},
		{"lun", 64}, {"itt", 32}, {"ttt", 32}, {"cmdsn", 32}, {"expstatsn", 32}, {"reserved4", 128},
	},
	0x01: { // SCSI Command
		{"final", 1}, {"read", 1}, {"write", 1}, {"reserved2", 2}, {"attr", 3}, {"reserved3", 16},
		{"total_ahs_length", 8}, {"data_segment_length", 24}, {"lun", 64}, {"itt", 32},
		{"expected_data_length", 32}, {"cmdsn", 32}, {"expstatsn", 32}, {"cdb", 128},
	},
	0x02: { // Task Management Function Request
		{"final", 1}, {"function", 7}, {"reserved2", 16}, {"total_ahs_length", 8}, {"data_segment_length", 24},
		{"lun", 64}, {"itt", 32}, {"ref_task_tag", 32}, {"cmdsn", 32}, {"expstatsn", 32},
		{"ref_cmdsn", 32}, {"exp_datasn", 32}, {"reserved3", 64},
	},
	0x03: { // Login Request
		{"transit", 1}, {"continue_flag", 1}, {"reserved2", 2}, {"csg", 2}, {"nsg", 2},
		{"version_max", 8}, {"version_min", 8}, {"total_ahs_length", 8}, {"data_segment_length", 24},
		{"isid_a", 32}, {"isid_b", 16}, {"tsih", 16}, {"itt", 32}, {"cid", 16}, {"reserved3", 16},
		{"cmdsn", 32}, {"expstatsn", 32}, {"reserved4", 128},
	},
	0x04: { // Text Request
		{"final", 1}, {"continue_flag", 1}, {"reserved2", 6}, {"reserved3", 16}, {"total_ahs_length", 8},
		{"data_segment_length", 24}, {"lun", 64}, {"itt", 32}, {"ttt", 32}, {"cmdsn", 32},
		{"expstatsn", 32}, {"reserved4", 128},
	},
	0x05: { // SCSI Data-Out
		{"final", 1}, {"reserved2", 7}, {"reserved3", 16}, {"total_ahs_length", 8}, {"data_segment_length", 24},
		{"lun", 64}, {"itt", 32}, {"ttt", 32}, {"reserved_statsn", 32}, {"expstatsn", 32},
		{"reserved4", 32}, {"datasn", 32}, {"buffer_offset", 32}, {"reserved5", 32},
	},
	0x06: { // Logout Request
		{"final", 1}, {"reason_code", 7}, {"reserved2", 16}, {"total_ahs_length", 8}, {"data_segment_length", 24},
		{"reserved3", 64}, {"itt", 32}, {"cid", 16}, {"reserved4", 16}, {"cmdsn", 32}, {"expstatsn", 32},
		{"reserved5", 128},
	},
}

// genericLayout covers opcodes without a dedicated layout
var genericLayout = []slot{
	{"flags", 8}, {"opcode_specific", 16}, {"total_ahs_length", 8}, {"data_segment_length", 24},
	{"lun", 64}, {"itt", 32}, {"opcode_fields", 224},
}

func layoutFor(opcode uint8) []slot {
	body, ok := bhsLayouts[opcode&0x3F]
	if !ok {
		body = genericLayout
	}
	out := make([]slot, 0, len(commonHead)+len(body))
	out = append(out, commonHead...)
	return append(out, body...)
}

// HasBHSLayout reports whether opcode has a dedicated header layout
func HasBHSLayout(opcode uint8) bool {
	_, ok := bhsLayouts[opcode&0x3F]
	return ok
}

// ISCSI is an iSCSI PDU: BHS fields plus data segment
type ISCSI struct {
	Header []BHSField `json:"header"`
	Data   []byte     `json:"data,omitempty"`
}

// NewISCSI returns a zeroed PDU with the header layout of opcode
func NewISCSI(opcode uint8) *ISCSI {
	slots := layoutFor(opcode)
	l := &ISCSI{Header: make([]BHSField, len(slots))}
	for i, s := range slots {
		l.Header[i] = BHSField{Name: s.name, Bits: s.bits}
		if s.bits > 64 {
			l.Header[i].Raw = make([]byte, s.bits/8)
		}
	}
	l.Header[2].Value = uint64(opcode & 0x3F)
	return l
}

// Name returns the layer name
func (l *ISCSI) Name() string { return "iSCSI" }

// LayerType implements gopacket.Layer
func (l *ISCSI) LayerType() gopacket.LayerType { return LayerTypeISCSI }

// LayerContents implements gopacket.Layer
func (l *ISCSI) LayerContents() []byte { return l.packHeader() }

// LayerPayload implements gopacket.Layer
func (l *ISCSI) LayerPayload() []byte { return l.Data }

// Payload implements gopacket.ApplicationLayer
func (l *ISCSI) Payload() []byte { return l.Data }

// Opcode returns the 6-bit opcode
func (l *ISCSI) Opcode() uint8 {
	v, _ := GetInt(l, "opcode")
	return uint8(v)
}

// SetData replaces the data segment and sets data_segment_length to its unpadded length
func (l *ISCSI) SetData(data []byte) {
	l.Data = append([]byte(nil), data...)
	_ = SetInt(l, "data_segment_length", uint64(len(data)))
}

// PaddedDataLen is the data segment length rounded up to 4 bytes
func (l *ISCSI) PaddedDataLen() int {
	return pad4(len(l.Data))
}

// Len is the serialized length of the PDU
func (l *ISCSI) Len() int {
	return BHSLength + l.PaddedDataLen()
}

func (l *ISCSI) fields() []*field {
	out := make([]*field, 0, len(l.Header)+1)
	for i := range l.Header {
		h := &l.Header[i]
		if h.wide() {
			n := h.Bits / 8
			out = append(out, fixedBytes(h.Name, n, func() []byte { return h.Raw }, func(b []byte) { h.Raw = b }))
			continue
		}
		out = append(out, num(h.Name, h.Bits, &h.Value))
	}
	return append(out, varBytes("data", func() []byte { return l.Data }, func(b []byte) { l.Data = b }))
}

func (l *ISCSI) serializeOptions() gopacket.SerializeOptions {
	return gopacket.SerializeOptions{}
}

// SerializeTo implements gopacket.SerializableLayer
func (l *ISCSI) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(l.Len())
	if err != nil {
		return err
	}
	copy(bytes, l.packHeader())
	n := copy(bytes[BHSLength:], l.Data)
	for i := BHSLength + n; i < len(bytes); i++ {
		bytes[i] = 0
	}
	return nil
}

func (l *ISCSI) packHeader() []byte {
	out := make([]byte, BHSLength)
	bit := 0
	for _, f := range l.Header {
		if f.wide() {
			if bit/8+f.Bits/8 <= BHSLength {
				copy(out[bit/8:bit/8+f.Bits/8], f.Raw)
			}
			bit += f.Bits
			continue
		}
		for i := f.Bits - 1; i >= 0 && bit < BHSLength*8; i-- {
			if f.Value>>uint(i)&1 == 1 {
				out[bit/8] |= 0x80 >> uint(bit%8)
			}
			bit++
		}
	}
	return out
}

// ErrShortBHS is returned when fewer than 48 bytes are available
var ErrShortBHS = errors.New("iscsi: short basic header segment")

// DecodeISCSI parses one PDU from data and returns it with any trailing bytes
func DecodeISCSI(data []byte) (*ISCSI, []byte, error) {
	if len(data) < BHSLength {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrShortBHS, len(data))
	}
	l := NewISCSI(data[0] & 0x3F)
	bit := 0
	for i := range l.Header {
		f := &l.Header[i]
		if f.wide() {
			copy(f.Raw, data[bit/8:bit/8+f.Bits/8])
			bit += f.Bits
			continue
		}
		var v uint64
		for j := 0; j < f.Bits; j++ {
			v = v<<1 | uint64(data[bit/8]>>(7-uint(bit%8))&1)
			bit++
		}
		f.Value = v
	}
	dsl, _ := GetInt(l, "data_segment_length")
	rest := data[BHSLength:]
	if int(dsl) > len(rest) {
		return nil, nil, fmt.Errorf("iscsi: data segment length %d exceeds %d available bytes", dsl, len(rest))
	}
	l.Data = append([]byte(nil), rest[:dsl]...)
	padded := pad4(int(dsl))
	if padded > len(rest) {
		padded = len(rest)
	}
	return l, rest[padded:], nil
}

func decodeISCSI(data []byte, p gopacket.PacketBuilder) error {
	l, _, err := DecodeISCSI(data)
	if err != nil {
		return err
	}
	p.AddLayer(l)
	p.SetApplicationLayer(l)
	return nil
}

func pad4(n int) int {
	return (n + 3) &^ 3
}
