//go:build linux

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: afpacket_linux.go
Description: AF_PACKET raw socket transport using a TPACKET_V3 ring. Frames are written
straight to the interface; receive is filtered in the kernel to the target TCP port.
*/

package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/sirupsen/logrus"
)

// AFPacketParams configures the afpacket transport
type AFPacketParams struct {
	Interface     string `mapstructure:"interface"` // empty uses network.interface
	FilterPort    uint16 `mapstructure:"filter_port"`
	Snaplen       uint32 `mapstructure:"snaplen"`
	FrameSize     int    `mapstructure:"frame_size"`
	BlockSize     int    `mapstructure:"block_size"`
	NumBlocks     int    `mapstructure:"num_blocks"`
	PollTimeoutMS int    `mapstructure:"poll_timeout_ms"`
}

// AFPacket sends and receives through a TPACKET_V3 ring
type AFPacket struct {
	params AFPacketParams
	log    *logrus.Entry
	stats  counters

	mu    sync.Mutex
	iface string
	tp    *afpacket.TPacket
}

// NewAFPacket creates an afpacket transport from transport.afpacket
func NewAFPacket(opts Options) (Transport, error) {
	p := AFPacketParams{
		FilterPort:    3260,
		Snaplen:       65535,
		FrameSize:     afpacket.DefaultFrameSize,
		BlockSize:     afpacket.DefaultBlockSize,
		NumBlocks:     16,
		PollTimeoutMS: 100,
	}
	if err := config.Decode(opts.Params, &p); err != nil {
		return nil, fmt.Errorf("transport.afpacket: %w", err)
	}
	if p.BlockSize%p.FrameSize != 0 {
		return nil, fmt.Errorf("transport.afpacket: block_size %d is not a multiple of frame_size %d", p.BlockSize, p.FrameSize)
	}
	return &AFPacket{
		params: p,
		log:    opts.logger().WithField("component", "transport.afpacket"),
	}, nil
}

// Name returns "afpacket"
func (t *AFPacket) Name() string { return BackendAFPacket }

// Open binds a raw socket to the interface and installs the receive filter
func (t *AFPacket) Open(nc config.NetworkConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tp != nil {
		return ErrAlreadyOpen
	}

	name := t.params.Interface
	if name == "" {
		name = nc.Interface
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return fmt.Errorf("failed to get interface %s: %w", name, err)
	}

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface.Name),
		afpacket.OptFrameSize(t.params.FrameSize),
		afpacket.OptBlockSize(t.params.BlockSize),
		afpacket.OptNumBlocks(t.params.NumBlocks),
		afpacket.OptPollTimeout(time.Duration(t.params.PollTimeoutMS)*time.Millisecond),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return fmt.Errorf("failed to create TPacket on %s: %w", iface.Name, err)
	}

	filter, err := TCPPortFilter(t.params.FilterPort, t.params.Snaplen)
	if err != nil {
		tp.Close()
		return fmt.Errorf("failed to assemble BPF filter: %w", err)
	}
	if filter != nil {
		if err := tp.SetBPF(filter); err != nil {
			tp.Close()
			return fmt.Errorf("failed to set BPF filter: %w", err)
		}
	}

	t.tp = tp
	t.iface = iface.Name
	t.log.WithFields(logrus.Fields{
		"interface":   iface.Name,
		"filter_port": t.params.FilterPort,
	}).Info("AF_PACKET transport opened")
	return nil
}

// Send writes frame to the interface
func (t *AFPacket) Send(frame []byte) (int, error) {
	t.mu.Lock()
	tp := t.tp
	t.mu.Unlock()
	if tp == nil {
		t.stats.txError()
		return 0, ErrNotOpen
	}
	if err := tp.WritePacketData(frame); err != nil {
		t.stats.txError()
		return 0, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	t.stats.tx(len(frame))
	return len(frame), nil
}

// SendBatch writes frames in order
func (t *AFPacket) SendBatch(frames [][]byte) (int, error) {
	return sendAll(t, frames)
}

// Receive polls the ring until a frame arrives or timeout passes
func (t *AFPacket) Receive(timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	tp := t.tp
	t.mu.Unlock()
	if tp == nil {
		return nil, ErrNotOpen
	}

	deadline := time.Now().Add(timeout)
	for {
		data, _, err := tp.ReadPacketData()
		if err == nil {
			t.stats.rx(len(data))
			return data, nil
		}
		if !errors.Is(err, afpacket.ErrTimeout) {
			t.stats.rxError()
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
	}
}

// Close releases the ring and socket
func (t *AFPacket) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tp == nil {
		return nil
	}
	if st, err := t.tp.Stats(); err == nil {
		t.log.WithFields(logrus.Fields{
			"polls":   st.Polls,
			"packets": st.Packets,
		}).Debug("AF_PACKET ring statistics")
	}
	t.tp.Close()
	t.tp = nil
	t.log.WithField("interface", t.iface).Info("AF_PACKET transport closed")
	return nil
}

// IsOpen reports whether the socket is bound
func (t *AFPacket) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tp != nil
}

// Stats returns the counters
func (t *AFPacket) Stats() Stats { return t.stats.snapshot() }
