/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: bpf_test.go
Description: Runs the receive filter in the x/net/bpf virtual machine against built frames.
*/

package transport_test

import (
	"testing"

	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/kleascm/packetstorm/pkg/packet"
	"github.com/kleascm/packetstorm/pkg/protocols"
	"github.com/kleascm/packetstorm/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"
)

func frame(t *testing.T, v6 bool, sport, dport uint16) []byte {
	t.Helper()
	nc := config.Default().Network
	nc.UseIPv6 = v6
	nc.SrcIPv6, nc.DstIPv6 = "fe80::1", "fe80::2"
	stack, err := protocols.L2L4(nc, protocols.TCPParams{SrcPort: sport, DstPort: dport, Flags: packet.FlagACK}, 1)
	require.NoError(t, err)
	p := packet.New(append(stack, &packet.Raw{Load: []byte("payload")})...)
	raw, err := p.Serialize()
	require.NoError(t, err)
	return raw
}

func TestTCPPortFilter(t *testing.T) {
	vm, err := bpf.NewVM(transport.TCPPortProgram(3260, 65535))
	require.NoError(t, err)

	cases := []struct {
		name   string
		frame  []byte
		accept bool
	}{
		{"ipv4 to target", frame(t, false, 50000, 3260), true},
		{"ipv4 from target", frame(t, false, 3260, 50000), true},
		{"ipv4 other port", frame(t, false, 50000, 80), false},
		{"ipv6 to target", frame(t, true, 50000, 3260), true},
		{"ipv6 other port", frame(t, true, 50000, 443), false},
		{"arp", append([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0, 1, 2, 3, 4, 5, 0x08, 0x06}, make([]byte, 28)...), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := vm.Run(tc.frame)
			require.NoError(t, err)
			assert.Equal(t, tc.accept, n > 0)
		})
	}
}

func TestTCPPortFilterAssembles(t *testing.T) {
	raw, err := transport.TCPPortFilter(3260, 65535)
	require.NoError(t, err)
	assert.Len(t, raw, 20)

	none, err := transport.TCPPortFilter(0, 65535)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestFragmentedIPv4Rejected(t *testing.T) {
	vm, err := bpf.NewVM(transport.TCPPortProgram(3260, 65535))
	require.NoError(t, err)

	f := frame(t, false, 50000, 3260)
	f[14+6] |= 0x01 // fragment offset 256
	n, err := vm.Run(f)
	require.NoError(t, err)
	assert.Zero(t, n)
}
