/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: pcap.go
Description: Pcap file transport. Every sent frame is appended to a pcap file with an
Ethernet link type, so a run can be inspected in Wireshark or replayed later. When a
read_path is configured, Receive replays the frames of that capture.
*/

package transport

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/sirupsen/logrus"
)

// PcapParams configures the pcap transport
type PcapParams struct {
	Path     string `mapstructure:"path"`
	Snaplen  uint32 `mapstructure:"snaplen"`
	ReadPath string `mapstructure:"read_path"`
}

// Pcap writes frames to a capture file
type Pcap struct {
	params PcapParams
	log    *logrus.Entry
	stats  counters

	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	writer *pcapgo.Writer
	inFile *os.File
	reader *pcapgo.Reader
}

// NewPcap creates a pcap transport from transport.pcap
func NewPcap(opts Options) (Transport, error) {
	p := PcapParams{Path: "packetstorm.pcap", Snaplen: 65535}
	if err := config.Decode(opts.Params, &p); err != nil {
		return nil, fmt.Errorf("transport.pcap: %w", err)
	}
	if p.Snaplen == 0 {
		p.Snaplen = 65535
	}
	return &Pcap{
		params: p,
		log:    opts.logger().WithField("component", "transport.pcap"),
	}, nil
}

// Name returns "pcap"
func (t *Pcap) Name() string { return BackendPcap }

// Path is the output file
func (t *Pcap) Path() string { return t.params.Path }

// Open creates the output file and writes the pcap header
func (t *Pcap) Open(_ config.NetworkConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file != nil {
		return ErrAlreadyOpen
	}

	if dir := filepath.Dir(t.params.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create pcap directory: %w", err)
		}
	}
	file, err := os.Create(t.params.Path)
	if err != nil {
		return fmt.Errorf("create pcap: %w", err)
	}
	buf := bufio.NewWriter(file)
	writer := pcapgo.NewWriter(buf)
	if err := writer.WriteFileHeader(t.params.Snaplen, layers.LinkTypeEthernet); err != nil {
		file.Close()
		return fmt.Errorf("write pcap header: %w", err)
	}

	if t.params.ReadPath != "" {
		in, err := os.Open(t.params.ReadPath)
		if err != nil {
			file.Close()
			return fmt.Errorf("open pcap input: %w", err)
		}
		reader, err := pcapgo.NewReader(in)
		if err != nil {
			in.Close()
			file.Close()
			return fmt.Errorf("read pcap input header: %w", err)
		}
		t.inFile, t.reader = in, reader
	}

	t.file, t.buf, t.writer = file, buf, writer
	t.log.WithField("path", t.params.Path).Info("Pcap transport opened")
	return nil
}

// Send appends frame as one capture record, truncated to snaplen
func (t *Pcap) Send(frame []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writer == nil {
		t.stats.txError()
		return 0, ErrNotOpen
	}

	data := frame
	if uint32(len(data)) > t.params.Snaplen {
		data = data[:t.params.Snaplen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(frame),
	}
	if err := t.writer.WritePacket(ci, data); err != nil {
		t.stats.txError()
		return 0, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	t.stats.tx(len(frame))
	return len(frame), nil
}

// SendBatch writes frames in order
func (t *Pcap) SendBatch(frames [][]byte) (int, error) {
	return sendAll(t, frames)
}

// Receive returns the next frame of read_path; io.EOF once it is exhausted
func (t *Pcap) Receive(_ time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil, ErrNotOpen
	}
	if t.reader == nil {
		return nil, ErrNotSupported
	}
	data, _, err := t.reader.ReadPacketData()
	if err != nil {
		t.stats.rxError()
		return nil, err
	}
	t.stats.rx(len(data))
	return data, nil
}

// Flush pushes buffered records to disk
func (t *Pcap) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buf == nil {
		return ErrNotOpen
	}
	return t.buf.Flush()
}

// Close flushes and closes the files
func (t *Pcap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	var firstErr error
	if err := t.buf.Flush(); err != nil {
		firstErr = err
	}
	if err := t.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if t.inFile != nil {
		t.inFile.Close()
	}
	t.file, t.buf, t.writer, t.inFile, t.reader = nil, nil, nil, nil, nil
	t.log.WithField("packets", t.stats.txPackets.Load()).Info("Pcap transport closed")
	return firstErr
}

// IsOpen reports whether the output file is open
func (t *Pcap) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file != nil
}

// Stats returns the counters
func (t *Pcap) Stats() Stats { return t.stats.snapshot() }
