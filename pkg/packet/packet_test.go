/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: packet_test.go
Description: Tests for the layer stack: serialization with auto and pinned fields, BHS bit
packing, parsing back into layers, deep copies and the checksum helpers.
*/

package packet_test

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/kleascm/packetstorm/pkg/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	srcIP = net.IPv4(10, 0, 0, 1).To4()
	dstIP = net.IPv4(10, 0, 0, 2).To4()
)

func nopOut(t *testing.T) *packet.Packet {
	t.Helper()
	eth := &packet.Ethernet{Ethernet: layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb},
		EthernetType: layers.EthernetTypeIPv4,
	}}
	ip := &packet.IPv4{
		IPv4: layers.IPv4{
			Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
			SrcIP: srcIP, DstIP: dstIP,
		},
		AutoIHL:         true,
		AutoTotalLength: true,
		AutoChecksum:    true,
	}
	tcp := &packet.TCP{
		TCP: layers.TCP{
			SrcPort: 40000, DstPort: 3260, Seq: 1000, Ack: 1,
			ACK: true, PSH: true, Window: 65535, DataOffset: 5,
		},
		AutoLength:   true,
		AutoChecksum: true,
	}
	pdu := packet.NewISCSI(0x00)
	require.NoError(t, packet.SetInt(pdu, "final", 1))
	require.NoError(t, packet.SetInt(pdu, "cmdsn", 7))
	pdu.SetData([]byte("hello"))
	return packet.New(eth, ip, tcp, pdu)
}

func TestSerializeComputesLengthsAndChecksums(t *testing.T) {
	p := nopOut(t)
	frame, err := p.Serialize()
	require.NoError(t, err)
	require.Len(t, frame, 14+20+20+48+8)
	assert.Equal(t, len(frame), p.Len())

	ipHdr := frame[14:34]
	assert.Equal(t, uint16(len(frame)-14), binary.BigEndian.Uint16(ipHdr[2:4]))
	assert.Equal(t, uint16(0xFFFF), packet.OnesComplementSum(ipHdr), "header sums to all ones")
	assert.Equal(t, uint16(len(frame)-14), p.IPv4().Length, "computed length is written back")

	segment := append([]byte(nil), frame[34:]...)
	stored := binary.BigEndian.Uint16(segment[16:18])
	segment[16], segment[17] = 0, 0
	assert.Equal(t, packet.TCPChecksum(srcIP, dstIP, segment), stored)

	bhs := frame[54:102]
	assert.Equal(t, byte(0x00), bhs[0])
	assert.Equal(t, byte(0x80), bhs[1], "final bit")
	assert.Equal(t, []byte{0, 0, 5}, bhs[5:8], "data segment length")
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(bhs[24:28]))
	assert.Equal(t, []byte("hello\x00\x00\x00"), frame[102:])
}

func TestPinnedFieldsAreKept(t *testing.T) {
	p := nopOut(t)
	require.NoError(t, packet.SetInt(p.IPv4(), "chksum", 0xBEEF))
	require.NoError(t, packet.SetInt(p.IPv4(), "len", 9999))
	assert.False(t, p.IPv4().AutoChecksum)
	assert.False(t, p.IPv4().AutoTotalLength)
	assert.True(t, p.IPv4().AutoIHL, "pinning len leaves ihl automatic")

	frame, err := p.Serialize()
	require.NoError(t, err)
	assert.Equal(t, uint16(9999), binary.BigEndian.Uint16(frame[16:18]))
	assert.Equal(t, uint16(0xBEEF), binary.BigEndian.Uint16(frame[24:26]))
}

func TestPinnedIHLKeepsTotalLengthAutomatic(t *testing.T) {
	p := nopOut(t)
	require.NoError(t, packet.SetInt(p.IPv4(), "ihl", 7))
	assert.False(t, p.IPv4().AutoIHL)
	assert.True(t, p.IPv4().AutoTotalLength)

	frame, err := p.Serialize()
	require.NoError(t, err)
	ipHdr := frame[14:34]
	assert.Equal(t, byte(0x47), ipHdr[0])
	assert.Equal(t, uint16(len(frame)-14), binary.BigEndian.Uint16(ipHdr[2:4]))
	assert.Equal(t, uint16(0xFFFF), packet.OnesComplementSum(ipHdr), "checksum covers the pinned ihl")
	assert.Equal(t, uint8(7), p.IPv4().IHL)
}

func TestPinnedLengthKeepsIHLAutomatic(t *testing.T) {
	p := nopOut(t)
	require.NoError(t, packet.SetInt(p.IPv4(), "len", 40))
	p.IPv4().IHL = 0

	frame, err := p.Serialize()
	require.NoError(t, err)
	ipHdr := frame[14:34]
	assert.Equal(t, byte(0x45), ipHdr[0])
	assert.Equal(t, uint16(40), binary.BigEndian.Uint16(ipHdr[2:4]))
	assert.Equal(t, uint16(0xFFFF), packet.OnesComplementSum(ipHdr))
}

func TestLoginRequestBitFields(t *testing.T) {
	pdu := packet.NewISCSI(0x03)
	for name, v := range map[string]uint64{"transit": 1, "csg": 1, "nsg": 3, "version_max": 0, "tsih": 0xABCD, "cid": 2} {
		require.NoError(t, packet.SetInt(pdu, name, v))
	}
	b, err := packet.New(pdu).Serialize()
	require.NoError(t, err)
	require.Len(t, b, packet.BHSLength)

	assert.Equal(t, byte(0x03), b[0])
	assert.Equal(t, byte(0x87), b[1])
	assert.Equal(t, uint16(0xABCD), binary.BigEndian.Uint16(b[14:16]))
	assert.Equal(t, uint16(2), binary.BigEndian.Uint16(b[20:22]))
	assert.Equal(t, uint8(3), pdu.Opcode())
	assert.True(t, packet.HasBHSLayout(0x03))
	assert.False(t, packet.HasBHSLayout(0x20))
}

func TestFieldAccess(t *testing.T) {
	p := nopOut(t)
	pdu := p.ISCSI()

	require.NoError(t, packet.SetInt(pdu, "final", 3))
	v, err := packet.GetInt(pdu, "final")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v, "values are masked to the field width")

	_, err = packet.GetInt(pdu, "nonsense")
	assert.ErrorIs(t, err, packet.ErrNoSuchField)
	_, err = packet.GetInt(pdu, "reserved4")
	assert.ErrorIs(t, err, packet.ErrFieldKind)

	err = packet.SetBytes(p.Ethernet(), "src", []byte{1, 2, 3})
	assert.Error(t, err)
	require.NoError(t, packet.SetBytes(p.Ethernet(), "src", []byte{1, 2, 3, 4, 5, 6}))
	src, err := packet.GetBytes(p.Ethernet(), "src")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, src)

	require.NoError(t, packet.SetInt(p.TCP(), "flags", packet.FlagSYN|packet.FlagFIN))
	assert.True(t, p.TCP().SYN)
	assert.True(t, p.TCP().FIN)
	assert.False(t, p.TCP().ACK)

	assert.True(t, packet.HasField(p.TCP(), "seq"))
	assert.False(t, packet.HasField(p.TCP(), "cmdsn"))
	for _, f := range packet.IntFields(p.IPv4()) {
		assert.Equal(t, packet.KindInt, f.Kind)
	}
	assert.Len(t, packet.Fields(p.IPv4()), 12)
}

func TestFieldMaskProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tcp := &packet.TCP{}
		fields := packet.IntFields(tcp)
		f := fields[rapid.IntRange(0, len(fields)-1).Draw(t, "field")]
		v := rapid.Uint64().Draw(t, "value")

		if err := packet.SetInt(tcp, f.Name, v); err != nil {
			t.Fatalf("set %s: %v", f.Name, err)
		}
		got, err := packet.GetInt(tcp, f.Name)
		if err != nil {
			t.Fatalf("get %s: %v", f.Name, err)
		}
		if got != v&f.Max() {
			t.Fatalf("%s: got %d, want %d", f.Name, got, v&f.Max())
		}
	})
}

func TestParse(t *testing.T) {
	frame, err := nopOut(t).Serialize()
	require.NoError(t, err)

	p := packet.Parse(frame)
	require.False(t, p.IsRaw())
	assert.Equal(t, "Ethernet / IPv4 / TCP / iSCSI", p.Summary())
	pdu := p.ISCSI()
	require.NotNil(t, pdu)
	cmdsn, err := packet.GetInt(pdu, "cmdsn")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cmdsn)
	assert.Equal(t, []byte("hello"), pdu.Data)

	again, err := p.Serialize()
	require.NoError(t, err)
	assert.Equal(t, frame, again)

	garbage := packet.Parse([]byte{1, 2, 3})
	assert.True(t, garbage.IsRaw())
	out, err := garbage.Serialize()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, out)
}

func TestDecodeISCSI(t *testing.T) {
	_, _, err := packet.DecodeISCSI(make([]byte, 47))
	assert.ErrorIs(t, err, packet.ErrShortBHS)

	pdu := packet.NewISCSI(0x04)
	pdu.SetData([]byte("abcdef"))
	b, err := packet.New(pdu).Serialize()
	require.NoError(t, err)

	withTail := append(b, 0xAA, 0xBB)
	got, tail, err := packet.DecodeISCSI(withTail)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), got.Data)
	assert.Equal(t, []byte{0xAA, 0xBB}, tail)
	assert.Equal(t, uint8(0x04), got.Opcode())

	require.NoError(t, packet.SetInt(pdu, "data_segment_length", 500))
	b, err = packet.New(pdu).Serialize()
	require.NoError(t, err)
	_, _, err = packet.DecodeISCSI(b)
	assert.Error(t, err)
}

func TestCloneAndLayerHelpers(t *testing.T) {
	p := nopOut(t)
	c := p.Clone()
	require.NoError(t, packet.SetInt(c.ISCSI(), "cmdsn", 99))
	c.ISCSI().Data[0] = 'J'
	c.TruncateLayers(2)

	cmdsn, _ := packet.GetInt(p.ISCSI(), "cmdsn")
	assert.Equal(t, uint64(7), cmdsn)
	assert.Equal(t, []byte("hello"), p.ISCSI().Data)
	assert.Equal(t, 4, p.NumLayers())
	assert.Equal(t, 2, c.NumLayers())

	assert.Same(t, p.TCP(), p.Find("tcp"))
	assert.Same(t, p.ISCSI(), p.Find("isc"))
	assert.Nil(t, p.Find("udp"))
	assert.Nil(t, p.UDP())

	assert.Equal(t, 54, p.Offset(3))
	assert.Equal(t, 2, p.Index(p.TCP()))
	assert.Equal(t, -1, p.Index(&packet.Raw{}))
	assert.Equal(t, 48, packet.HeaderLen(p.ISCSI()))

	raw := packet.FromBytes([]byte{9, 9})
	assert.True(t, raw.IsRaw())
	p.Append(&packet.Raw{Load: []byte{1}})
	assert.False(t, p.IsRaw())
}

func TestChecksums(t *testing.T) {
	// RFC 1071 worked example
	assert.Equal(t, uint16(0xDDF2), packet.OnesComplementSum([]byte{0x00, 0x01, 0xF2, 0x03, 0xF4, 0xF5, 0xF6, 0xF7}))
	assert.Equal(t, packet.OnesComplementSum([]byte{0xAB, 0x00}), packet.OnesComplementSum([]byte{0xAB}))
	assert.Equal(t, uint32(0xE3069283), packet.CRC32C([]byte("123456789")))

	seg := []byte{0x9c, 0x40, 0x0c, 0xbc, 0x00, 0x08, 0x00, 0x00}
	sum := packet.UDPChecksum(srcIP, dstIP, seg)
	assert.NotZero(t, sum)
	binary.BigEndian.PutUint16(seg[6:], sum)
	assert.Equal(t, packet.UDPChecksum(srcIP, dstIP, seg), uint16(0xFFFF),
		"a segment carrying its checksum sums to zero, which is sent as 0xFFFF")
}
