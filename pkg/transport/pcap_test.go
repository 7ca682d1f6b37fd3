/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: pcap_test.go
Description: Tests for the pcap file transport.
*/

package transport_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/kleascm/packetstorm/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPcapWritesReadableCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "run.pcap")
	tr, err := transport.NewPcap(transport.Options{Params: map[string]any{"path": path, "snaplen": 8}})
	require.NoError(t, err)
	require.NoError(t, tr.Open(config.NetworkConfig{}))

	frames := [][]byte{
		{0xde, 0xad, 0xbe, 0xef},
		{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	}
	n, err := tr.SendBatch(frames)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, tr.Close())
	assert.False(t, tr.IsOpen())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())

	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, frames[0], data)
	assert.Equal(t, 4, ci.Length)

	data, ci, err = r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, frames[1][:8], data)
	assert.Equal(t, 10, ci.Length)

	_, _, err = r.ReadPacketData()
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, uint64(14), tr.Stats().TxBytes)
}

func TestPcapReceiveReplaysInput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")

	w, err := transport.NewPcap(transport.Options{Params: map[string]any{"path": in}})
	require.NoError(t, err)
	require.NoError(t, w.Open(config.NetworkConfig{}))
	_, err = w.Send([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	tr, err := transport.NewPcap(transport.Options{Params: map[string]any{
		"path":      filepath.Join(dir, "out.pcap"),
		"read_path": in,
	}})
	require.NoError(t, err)
	require.NoError(t, tr.Open(config.NetworkConfig{}))
	defer tr.Close()

	got, err := tr.Receive(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
	_, err = tr.Receive(0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestPcapWithoutInputCannotReceive(t *testing.T) {
	tr, err := transport.NewPcap(transport.Options{Params: map[string]any{"path": filepath.Join(t.TempDir(), "x.pcap")}})
	require.NoError(t, err)

	_, err = tr.Send([]byte{1})
	assert.ErrorIs(t, err, transport.ErrNotOpen)

	require.NoError(t, tr.Open(config.NetworkConfig{}))
	defer tr.Close()
	_, err = tr.Receive(0)
	assert.ErrorIs(t, err, transport.ErrNotSupported)
}
