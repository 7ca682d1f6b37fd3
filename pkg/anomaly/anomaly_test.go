/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: anomaly_test.go
Description: Tests for the generic anomaly library: registration, entry parsing, the
copy-on-apply contract and the observable effect of each mode.
*/

package anomaly_test

import (
	"bytes"
	"encoding/binary"
	"math/bits"
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/kleascm/packetstorm/pkg/anomaly"
	"github.com/kleascm/packetstorm/pkg/packet"
	"github.com/kleascm/packetstorm/pkg/registry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	srcIP = net.IPv4(192, 168, 1, 100).To4()
	dstIP = net.IPv4(192, 168, 1, 200).To4()
)

// baseline is Ethernet / IPv4 / TCP / iSCSI NOP-Out with a 4 byte data segment
func baseline() *packet.Packet {
	pdu := packet.NewISCSI(0x00)
	_ = packet.SetInt(pdu, "final", 1)
	_ = packet.SetInt(pdu, "cmdsn", 42)
	pdu.SetData([]byte("ping"))
	return packet.New(
		&packet.Ethernet{Ethernet: layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
			EthernetType: layers.EthernetTypeIPv4,
		}},
		&packet.IPv4{
			IPv4: layers.IPv4{
				Version: 4, IHL: 5, TTL: 64, Flags: layers.IPv4DontFragment,
				Protocol: layers.IPProtocolTCP, SrcIP: srcIP, DstIP: dstIP,
			},
			AutoIHL: true, AutoTotalLength: true, AutoChecksum: true,
		},
		&packet.TCP{
			TCP: layers.TCP{
				SrcPort: 50000, DstPort: 3260, Seq: 5000, Ack: 7000,
				ACK: true, PSH: true, Window: 65535, DataOffset: 5,
			},
			AutoLength: true, AutoChecksum: true,
		},
		pdu,
	)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newRegistry(t *testing.T) *anomaly.Registry {
	t.Helper()
	r := anomaly.NewRegistry(quietLogger())
	require.NoError(t, anomaly.RegisterGeneric(r))
	return r
}

func create(t *testing.T, name string, params map[string]any) anomaly.Anomaly {
	t.Helper()
	if params == nil {
		params = map[string]any{}
	}
	if _, ok := params["seed"]; !ok {
		params["seed"] = 1
	}
	r := newRegistry(t)
	a, err := r.Create(name, anomaly.Options{Params: params, Logger: quietLogger(), Registry: r})
	require.NoError(t, err)
	return a
}

func serialize(t *testing.T, p *packet.Packet) []byte {
	t.Helper()
	b, err := p.Serialize()
	require.NoError(t, err)
	return b
}

func TestRegisterGeneric(t *testing.T) {
	r := newRegistry(t)
	assert.Equal(t, []string{
		"checksum_error", "composite", "field_tamper", "flood", "fragmentation", "fuzzer",
		"malformed", "padding", "replay", "sequence", "truncation",
	}, r.Names())
	assert.Len(t, r.List(anomaly.CategoryGeneric), 11)
	assert.Error(t, anomaly.RegisterGeneric(r), "second registration collides")

	_, err := r.Create("teleport", anomaly.Options{})
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestParseConfig(t *testing.T) {
	cfg, err := anomaly.ParseConfig(map[string]any{"type": "padding", "pad_size": 16})
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 1, cfg.Count)
	assert.EqualValues(t, 16, cfg.Params["pad_size"])

	cfg, err = anomaly.ParseConfig(map[string]any{"type": "padding", "enabled": "false", "count": 3, "packet_type": "nop_out"})
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 3, cfg.Count)
	assert.Equal(t, "nop_out", cfg.PacketType)

	_, err = anomaly.ParseConfig(map[string]any{"count": 1})
	assert.ErrorIs(t, err, anomaly.ErrInvalidParam)
	_, err = anomaly.ParseConfig(map[string]any{"type": "padding", "count": -1})
	assert.ErrorIs(t, err, anomaly.ErrInvalidParam)
}

func TestInvalidParameters(t *testing.T) {
	r := newRegistry(t)
	cases := map[string]map[string]any{
		"truncation":     {"mode": "sideways"},
		"padding":        {"mode": "pattern", "pattern": ""},
		"field_tamper":   {"mode": "specific"},
		"checksum_error": {"layer": "sctp"},
		"replay":         {"history_size": 1},
		"fuzzer":         {"mutation_rate": 2.0},
		"composite":      {"anomalies": []any{}},
		"sequence":       {"mode": 7},
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Create(name, anomaly.Options{Params: params, Registry: r})
			assert.ErrorIs(t, err, anomaly.ErrInvalidParam)
		})
	}

	_, err := r.Create("truncation", anomaly.Options{Params: map[string]any{"mode": "sideways"}})
	var perr *anomaly.ParamError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{"random", "fixed", "half", "protocol_min"}, perr.Valid)
}

// Every anomaly leaves its input untouched and counts each call
func TestApplyLeavesInputUntouched(t *testing.T) {
	names := []string{
		"checksum_error", "field_tamper", "flood", "fragmentation", "fuzzer",
		"malformed", "padding", "replay", "sequence", "truncation",
	}
	rapid.Check(t, func(rt *rapid.T) {
		name := rapid.SampledFrom(names).Draw(rt, "anomaly")
		seed := rapid.Int64().Draw(rt, "seed")

		r := anomaly.NewRegistry(quietLogger())
		if err := anomaly.RegisterGeneric(r); err != nil {
			rt.Fatal(err)
		}
		a, err := r.Create(name, anomaly.Options{Params: map[string]any{"seed": seed}, Logger: quietLogger()})
		if err != nil {
			rt.Fatal(err)
		}

		p := baseline()
		before, err := p.Serialize()
		if err != nil {
			rt.Fatal(err)
		}
		for i := 0; i < 3; i++ {
			out, err := a.Apply(p)
			if err != nil {
				rt.Fatalf("%s: %v", name, err)
			}
			if out == p {
				rt.Fatalf("%s returned its input", name)
			}
			if _, err := out.Serialize(); err != nil {
				rt.Fatalf("%s output does not serialize: %v", name, err)
			}
		}
		after, err := p.Serialize()
		if err != nil {
			rt.Fatal(err)
		}
		if !bytes.Equal(before, after) {
			rt.Fatalf("%s modified its input", name)
		}
		if a.AppliedCount() != 3 {
			rt.Fatalf("%s applied count %d", name, a.AppliedCount())
		}
	})
}

func TestTruncationBounds(t *testing.T) {
	full := len(serialize(t, baseline()))
	rapid.Check(t, func(rt *rapid.T) {
		r := anomaly.NewRegistry(quietLogger())
		_ = anomaly.RegisterGeneric(r)
		params := map[string]any{
			"seed":        rapid.Int64().Draw(rt, "seed"),
			"mode":        rapid.SampledFrom([]string{"random", "fixed", "half", "protocol_min"}).Draw(rt, "mode"),
			"truncate_to": rapid.IntRange(-10, 500).Draw(rt, "truncate_to"),
		}
		a, err := r.Create("truncation", anomaly.Options{Params: params, Logger: quietLogger()})
		if err != nil {
			rt.Fatal(err)
		}
		out, err := a.Apply(baseline())
		if err != nil {
			rt.Fatal(err)
		}
		b, err := out.Serialize()
		if err != nil {
			rt.Fatal(err)
		}
		if len(b) < 1 || len(b) > full-1 {
			rt.Fatalf("length %d outside [1, %d]", len(b), full-1)
		}
	})
}

func TestTruncationModes(t *testing.T) {
	full := serialize(t, baseline())

	out, err := create(t, "truncation", map[string]any{"mode": "fixed", "truncate_to": 10}).Apply(baseline())
	require.NoError(t, err)
	assert.Equal(t, full[:10], serialize(t, out))
	assert.True(t, out.IsRaw())

	out, err = create(t, "truncation", map[string]any{"mode": "half"}).Apply(baseline())
	require.NoError(t, err)
	assert.Len(t, serialize(t, out), len(full)/2)

	// the BHS ends at 14 + 20 + 20 + 48
	out, err = create(t, "truncation", map[string]any{"mode": "protocol_min"}).Apply(baseline())
	require.NoError(t, err)
	n := len(serialize(t, out))
	assert.GreaterOrEqual(t, n, 97)
	assert.LessOrEqual(t, n, 101)
}

func TestPadding(t *testing.T) {
	full := serialize(t, baseline())

	out, err := create(t, "padding", map[string]any{"mode": "pattern", "pattern": "AB", "pad_size": 5}).Apply(baseline())
	require.NoError(t, err)
	b := serialize(t, out)
	require.Len(t, b, len(full)+5)
	assert.Equal(t, []byte("ABABA"), b[len(full):])

	out, err = create(t, "padding", map[string]any{"mode": "zeros", "pad_size": 3}).Apply(baseline())
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0}, serialize(t, out)[len(full):])

	out, err = create(t, "padding", map[string]any{"mode": "overflow", "pad_size": 32}).Apply(baseline())
	require.NoError(t, err)
	assert.Len(t, serialize(t, out), len(full)+32)

	out, err = create(t, "padding", nil).Apply(baseline())
	require.NoError(t, err)
	extra := len(serialize(t, out)) - len(full)
	assert.GreaterOrEqual(t, extra, 64)
	assert.LessOrEqual(t, extra, 4096)
}

func TestFieldTamper(t *testing.T) {
	t.Run("zero", func(t *testing.T) {
		out, err := create(t, "field_tamper", map[string]any{"target_field": "cmdsn", "mode": "zero"}).Apply(baseline())
		require.NoError(t, err)
		v, err := packet.GetInt(out.ISCSI(), "cmdsn")
		require.NoError(t, err)
		assert.Zero(t, v)
	})

	t.Run("max respects width", func(t *testing.T) {
		out, err := create(t, "field_tamper", map[string]any{"target_field": "ttl", "mode": "max"}).Apply(baseline())
		require.NoError(t, err)
		assert.Equal(t, uint8(255), out.IPv4().TTL)
	})

	t.Run("specific with layer", func(t *testing.T) {
		a := create(t, "field_tamper", map[string]any{
			"target_layer": "tcp", "target_field": "window", "mode": "specific", "value": "1234",
		})
		out, err := a.Apply(baseline())
		require.NoError(t, err)
		assert.Equal(t, uint16(1234), out.TCP().Window)
	})

	t.Run("ihl leaves total length alone", func(t *testing.T) {
		a := create(t, "field_tamper", map[string]any{
			"target_layer": "IPv4", "target_field": "ihl", "mode": "specific", "value": 6,
		})
		out, err := a.Apply(baseline())
		require.NoError(t, err)
		frame := serialize(t, out)
		require.Len(t, frame, 106)
		assert.Equal(t, byte(0x46), frame[14])
		assert.Equal(t, uint16(92), binary.BigEndian.Uint16(frame[16:18]))
	})

	t.Run("bitflip", func(t *testing.T) {
		out, err := create(t, "field_tamper", map[string]any{"target_field": "seq", "mode": "bitflip"}).Apply(baseline())
		require.NoError(t, err)
		flipped := bits.OnesCount32(out.TCP().Seq ^ 5000)
		assert.LessOrEqual(t, flipped, 3)
	})

	t.Run("missing field passes through", func(t *testing.T) {
		p := baseline()
		out, err := create(t, "field_tamper", map[string]any{"target_field": "nope", "mode": "zero"}).Apply(p)
		require.NoError(t, err)
		assert.Equal(t, serialize(t, p), serialize(t, out))

		out, err = create(t, "field_tamper", map[string]any{
			"target_layer": "udp", "target_field": "sport", "mode": "zero",
		}).Apply(p)
		require.NoError(t, err)
		assert.Equal(t, serialize(t, p), serialize(t, out))
	})
}

func TestChecksumError(t *testing.T) {
	out, err := create(t, "checksum_error", map[string]any{"layer": "ip"}).Apply(baseline())
	require.NoError(t, err)
	b := serialize(t, out)
	assert.NotEqual(t, uint16(0xFFFF), packet.OnesComplementSum(b[14:34]))

	out, err = create(t, "checksum_error", map[string]any{"layer": "tcp", "method": "complement"}).Apply(baseline())
	require.NoError(t, err)
	b = serialize(t, out)
	assert.Equal(t, uint16(0xFFFF), packet.OnesComplementSum(b[14:34]), "ip checksum untouched")
	segment := append([]byte(nil), b[34:]...)
	stored := binary.BigEndian.Uint16(segment[16:18])
	segment[16], segment[17] = 0, 0
	assert.Equal(t, ^packet.TCPChecksum(srcIP, dstIP, segment), stored)

	for _, method := range []string{"offset", "xor", "zero", "max", "random"} {
		out, err := create(t, "checksum_error", map[string]any{"layer": "all", "method": method}).Apply(baseline())
		require.NoError(t, err, method)
		b := serialize(t, out)
		assert.NotEqual(t, uint16(0xFFFF), packet.OnesComplementSum(b[14:34]), method)
	}
}

func TestSequence(t *testing.T) {
	out, err := create(t, "sequence", map[string]any{"mode": "zero_window"}).Apply(baseline())
	require.NoError(t, err)
	assert.Zero(t, out.TCP().Window)
	assert.True(t, out.TCP().ACK)

	out, err = create(t, "sequence", map[string]any{"mode": "seq_wrap"}).Apply(baseline())
	require.NoError(t, err)
	assert.Contains(t, []uint32{0xFFFFFFFF, 0xFFFFFFF0, 0, 0x80000000}, out.TCP().Seq)

	out, err = create(t, "sequence", map[string]any{"mode": "duplicate_ack"}).Apply(baseline())
	require.NoError(t, err)
	assert.Less(t, out.TCP().Ack, uint32(7000))

	raw := packet.FromBytes([]byte{1, 2, 3})
	out, err = create(t, "sequence", nil).Apply(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, serialize(t, out))
}

func TestFlood(t *testing.T) {
	a := create(t, "flood", map[string]any{"mode": "syn_flood"})
	for i := 0; i < 20; i++ {
		out, err := a.Apply(baseline())
		require.NoError(t, err)
		assert.Equal(t, packet.FlagSYN, out.TCP().Flags())
		assert.Zero(t, out.TCP().Ack)
		assert.GreaterOrEqual(t, int(out.TCP().SrcPort), 1024)

		src := out.IPv4().SrcIP.To4()
		require.NotNil(t, src)
		assert.NotContains(t, []byte{0, 10, 127}, src[0])
		assert.Less(t, src[0], byte(224))

		b := serialize(t, out)
		assert.Equal(t, uint16(0xFFFF), packet.OnesComplementSum(b[14:34]), "ip checksum follows the new source")
	}
}

func TestFragmentation(t *testing.T) {
	out, err := create(t, "fragmentation", map[string]any{"mode": "excessive"}).Apply(baseline())
	require.NoError(t, err)
	require.Equal(t, 3, out.NumLayers())
	ip := out.IPv4()
	assert.Equal(t, uint16(anomaly.MaxFragmentOffset), ip.FragOffset)
	assert.Equal(t, layers.IPv4MoreFragments, ip.Flags)
	b := serialize(t, out)
	assert.Len(t, b, 14+20+64)
	assert.Equal(t, uint16(20+64), binary.BigEndian.Uint16(b[16:18]))

	out, err = create(t, "fragmentation", map[string]any{"mode": "tiny", "fragment_size": 8}).Apply(baseline())
	require.NoError(t, err)
	assert.Len(t, serialize(t, out), 60, "short frames are padded to the ethernet minimum")
	assert.Equal(t, uint16(20+8), out.IPv4().Length)

	raw := packet.FromBytes([]byte{1, 2, 3})
	out, err = create(t, "fragmentation", nil).Apply(raw)
	require.NoError(t, err)
	assert.True(t, out.IsRaw())
}

func TestMalformed(t *testing.T) {
	out, err := create(t, "malformed", map[string]any{"mode": "version_invalid"}).Apply(baseline())
	require.NoError(t, err)
	assert.NotEqual(t, uint8(4), out.IPv4().Version)

	out, err = create(t, "malformed", map[string]any{"mode": "reserved_bits"}).Apply(baseline())
	require.NoError(t, err)
	v, err := packet.GetInt(out.ISCSI(), "reserved2")
	require.NoError(t, err)
	assert.NotZero(t, v)
	raw, err := packet.GetBytes(out.ISCSI(), "reserved4")
	require.NoError(t, err)
	assert.NotContains(t, raw, byte(0))

	out, err = create(t, "malformed", map[string]any{"mode": "header_length"}).Apply(baseline())
	require.NoError(t, err)
	assert.False(t, out.IPv4().AutoIHL)
	assert.True(t, out.IPv4().AutoTotalLength)
	assert.Contains(t, []uint8{0, 1, 2, 3, 4, 14, 15}, out.IPv4().IHL)
	frame := serialize(t, out)
	assert.Equal(t, uint16(len(frame)-14), binary.BigEndian.Uint16(frame[16:18]))
}

func TestReplay(t *testing.T) {
	a := create(t, "replay", map[string]any{"replay_from": "newest"})
	first := baseline()
	second := baseline()
	second.TCP().Seq = 9999

	out, err := a.Apply(first)
	require.NoError(t, err)
	assert.Equal(t, serialize(t, first), serialize(t, out), "nothing to replay yet")

	out, err = a.Apply(second)
	require.NoError(t, err)
	assert.Equal(t, serialize(t, first), serialize(t, out))

	rep := a.(*anomaly.Replay)
	assert.Equal(t, 2, rep.HistoryLen())
	rep.ClearHistory()
	assert.Zero(t, rep.HistoryLen())

	small := create(t, "replay", map[string]any{"history_size": 2, "replay_from": "oldest"}).(*anomaly.Replay)
	for i := 0; i < 5; i++ {
		_, err := small.Apply(baseline())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, small.HistoryLen())
}

func TestFuzzerFieldWalk(t *testing.T) {
	a := create(t, "fuzzer", map[string]any{"strategy": "field_walk"})
	order := anomaly.WalkOrder(baseline())
	require.NotEmpty(t, order)
	assert.Equal(t, "type", order[0].Name)
	assert.Equal(t, "version", order[1].Name)

	out, err := a.Apply(baseline())
	require.NoError(t, err)
	assert.Zero(t, out.Ethernet().EthernetType)

	out, err = a.Apply(baseline())
	require.NoError(t, err)
	assert.Zero(t, out.IPv4().Version)
	assert.Equal(t, uint64(2), a.(*anomaly.Fuzzer).Iteration())

	assert.Equal(t, "ihl", order[2].Name)
	out, err = a.Apply(baseline())
	require.NoError(t, err)
	frame := serialize(t, out)
	assert.Equal(t, byte(0x40), frame[14], "only ihl is walked")
	assert.Equal(t, uint16(92), binary.BigEndian.Uint16(frame[16:18]))
}

func TestInterestingValues(t *testing.T) {
	assert.Equal(t, []uint64{0, 1}, anomaly.InterestingValues(1))
	assert.Equal(t, []uint64{0, 1, 7, 8, 14, 15}, anomaly.InterestingValues(4))
	assert.Equal(t, anomaly.InterestingInts8, anomaly.InterestingValues(8))
	assert.Equal(t, anomaly.InterestingInts16, anomaly.InterestingValues(13))
	assert.Equal(t, anomaly.InterestingInts32, anomaly.InterestingValues(24))
	assert.Equal(t, anomaly.InterestingInts64, anomaly.InterestingValues(64))
}

func TestFuzzerGenerationKeepsStructure(t *testing.T) {
	a := create(t, "fuzzer", map[string]any{"strategy": "generation"})
	for i := 0; i < 10; i++ {
		out, err := a.Apply(baseline())
		require.NoError(t, err)
		assert.Equal(t, 4, out.NumLayers())
	}
}

func TestComposite(t *testing.T) {
	a := create(t, "composite", map[string]any{
		"anomalies": []any{
			map[string]any{"type": "padding", "mode": "zeros", "pad_size": 100},
			map[string]any{"type": "truncation", "mode": "fixed", "truncate_to": 30},
		},
	})
	out, err := a.Apply(baseline())
	require.NoError(t, err)
	assert.Len(t, serialize(t, out), 30)

	links := a.(*anomaly.Composite).Links()
	require.Len(t, links, 2)
	assert.Equal(t, uint64(1), links[0].AppliedCount())
	assert.Equal(t, uint64(1), links[1].AppliedCount())

	r := newRegistry(t)
	_, err = r.Create("composite", anomaly.Options{Params: map[string]any{
		"anomalies": []any{map[string]any{"type": "padding"}},
	}})
	assert.ErrorIs(t, err, anomaly.ErrInvalidParam, "registry required")

	_, err = r.Create("composite", anomaly.Options{Registry: r, Params: map[string]any{
		"anomalies": []any{map[string]any{"type": "teleport"}},
	}})
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestDescribe(t *testing.T) {
	a := create(t, "padding", nil)
	_, err := a.Apply(baseline())
	require.NoError(t, err)

	info := anomaly.Describe(a)
	assert.Equal(t, "padding", info.Name)
	assert.Equal(t, anomaly.CategoryGeneric, info.Category)
	assert.Equal(t, []string{"all"}, info.AppliesTo)
	assert.Equal(t, uint64(1), info.AppliedCount)
}
