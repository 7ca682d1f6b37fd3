/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: sniffer.go
Description: Packet sniffer. Reads frames from any gopacket data source (a pcap file or a
receiving transport), keeps a bounded buffer of recent packets and fans every packet out to
registered callbacks such as the flow tracker.
*/

package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/kleascm/packetstorm/pkg/transport"
	"github.com/sirupsen/logrus"
)

var ErrSnifferRunning = errors.New("sniffer already running")

// Callback receives every captured packet
type Callback func(gopacket.Packet)

// PcapFileSource reads frames from a pcap file
type PcapFileSource struct {
	file   *os.File
	reader *pcapgo.Reader
}

// OpenPcapFile opens path for reading
func OpenPcapFile(path string) (*PcapFileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read pcap header: %w", err)
	}
	return &PcapFileSource{file: f, reader: r}, nil
}

// ReadPacketData implements gopacket.PacketDataSource
func (s *PcapFileSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return s.reader.ReadPacketData()
}

// LinkType is the link type recorded in the file header
func (s *PcapFileSource) LinkType() layers.LinkType {
	return s.reader.LinkType()
}

// Close closes the file
func (s *PcapFileSource) Close() error {
	return s.file.Close()
}

// TransportSource adapts a receiving transport to gopacket.PacketDataSource
type TransportSource struct {
	Transport transport.Transport
	Timeout   time.Duration
}

// ReadPacketData waits up to Timeout for one frame; transport.ErrTimeout means nothing arrived
func (s TransportSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	data, err := s.Transport.Receive(timeout)
	if err != nil {
		return nil, gopacket.CaptureInfo{}, err
	}
	return data, gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}, nil
}

// SnifferConfig configures a sniffer
type SnifferConfig struct {
	MaxBuffer int `mapstructure:"max_buffer" json:"max_buffer"`
}

// Sniffer drives a packet source in a background goroutine
type Sniffer struct {
	source  *gopacket.PacketSource
	cfg     SnifferConfig
	logger  *logrus.Logger
	count   atomic.Uint64
	running atomic.Bool

	mu        sync.Mutex
	callbacks []Callback
	recent    []gopacket.Packet
	head      int
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

// NewSniffer decodes frames from src starting at first (usually layers.LayerTypeEthernet)
func NewSniffer(src gopacket.PacketDataSource, first gopacket.Decoder, cfg SnifferConfig, logger *logrus.Logger) *Sniffer {
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 10000
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Sniffer{
		source: gopacket.NewPacketSource(src, first),
		cfg:    cfg,
		logger: logger,
		recent: make([]gopacket.Packet, 0, min(cfg.MaxBuffer, 1024)),
	}
}

// AddCallback registers cb for every later packet
func (s *Sniffer) AddCallback(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Track feeds every packet into tracker
func (s *Sniffer) Track(tracker *Tracker) {
	s.AddCallback(func(p gopacket.Packet) { tracker.HandlePacket(p) })
}

// Run reads packets until the source is exhausted or ctx is done
func (s *Sniffer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		pkt, err := s.source.NextPacket()
		switch {
		case err == nil:
			s.dispatch(pkt)
		case errors.Is(err, transport.ErrTimeout):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return fmt.Errorf("capture: %w", err)
		}
	}
}

func (s *Sniffer) dispatch(pkt gopacket.Packet) {
	s.count.Add(1)

	s.mu.Lock()
	if len(s.recent) < s.cfg.MaxBuffer {
		s.recent = append(s.recent, pkt)
	} else {
		s.recent[s.head] = pkt
		s.head = (s.head + 1) % s.cfg.MaxBuffer
	}
	cbs := append([]Callback(nil), s.callbacks...)
	s.mu.Unlock()

	for _, cb := range cbs {
		s.invoke(cb, pkt)
	}
}

func (s *Sniffer) invoke(cb Callback, pkt gopacket.Packet) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("component", "capture").Debugf("Callback error: %v", r)
		}
	}()
	cb(pkt)
}

// Start runs the sniffer in the background
func (s *Sniffer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return ErrSnifferRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.err = nil
	s.running.Store(true)

	go func(done chan struct{}) {
		defer close(done)
		defer s.running.Store(false)
		err := s.Run(ctx)
		if err != nil {
			s.logger.WithError(err).WithField("component", "capture").Error("Sniffer stopped with error")
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}(s.done)

	s.logger.WithField("component", "capture").Info("Sniffer started")
	return nil
}

// Stop cancels a background run and waits up to three seconds for it to exit.
// It returns the error the run ended with, if any.
func (s *Sniffer) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		s.logger.WithField("component", "capture").Warn("Sniffer did not stop in time")
	}
	s.logger.WithFields(logrus.Fields{
		"component": "capture",
		"packets":   s.Count(),
	}).Info("Sniffer stopped")

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until a background run ends on its own
func (s *Sniffer) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Recent returns up to n of the most recent packets, oldest first
func (s *Sniffer) Recent(n int) []gopacket.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := make([]gopacket.Packet, 0, len(s.recent))
	ordered = append(ordered, s.recent[s.head:]...)
	ordered = append(ordered, s.recent[:s.head]...)
	if n >= 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Count is the number of packets captured so far
func (s *Sniffer) Count() uint64 { return s.count.Load() }

// Running reports whether a background run is active
func (s *Sniffer) Running() bool { return s.running.Load() }
