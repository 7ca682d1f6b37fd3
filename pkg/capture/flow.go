/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: flow.go
Description: TCP flow tracker. Observed segments update a table of connections keyed by the
unordered endpoint pair, so generated packets can be spliced into a live session with the
sequence and acknowledgment numbers the peers currently expect.
*/

package capture

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/kleascm/packetstorm/pkg/protocols"
	"github.com/sirupsen/logrus"
)

// FlowState is the coarse TCP state inferred from observed flags
type FlowState string

const (
	StateUnknown     FlowState = "unknown"
	StateSynSent     FlowState = "SYN_SENT"
	StateSynReceived FlowState = "SYN_RECEIVED"
	StateEstablished FlowState = "ESTABLISHED"
	StateFinWait     FlowState = "FIN_WAIT"
	StateReset       FlowState = "RESET"
)

// Endpoint is one side of a TCP connection
type Endpoint struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

// String formats the endpoint as host:port
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(int(e.Port)))
}

func (e Endpoint) less(o Endpoint) bool {
	if e.IP != o.IP {
		return e.IP < o.IP
	}
	return e.Port < o.Port
}

// FlowKey identifies a connection regardless of direction
type FlowKey [2]Endpoint

// NewFlowKey orders the endpoints so both directions map to the same key
func NewFlowKey(a, b Endpoint) FlowKey {
	if b.less(a) {
		a, b = b, a
	}
	return FlowKey{a, b}
}

// Segment is the part of a TCP segment the tracker cares about
type Segment struct {
	Src        Endpoint
	Dst        Endpoint
	Seq        uint32
	Ack        uint32
	SYN        bool
	ACK        bool
	FIN        bool
	RST        bool
	PayloadLen int
}

// Flow is a tracked connection. Client is the source of the first segment seen.
type Flow struct {
	Client           Endpoint  `json:"client"`
	Server           Endpoint  `json:"server"`
	ClientSeq        uint32    `json:"client_seq"`
	ClientAck        uint32    `json:"client_ack"`
	ServerSeq        uint32    `json:"server_seq"`
	ServerAck        uint32    `json:"server_ack"`
	PacketsSeen      uint64    `json:"packets"`
	BytesTransferred uint64    `json:"bytes"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	State            FlowState `json:"state"`
}

// Key returns the canonical key of the flow
func (f Flow) Key() FlowKey {
	return NewFlowKey(f.Client, f.Server)
}

// Age is the time since the flow was first seen
func (f Flow) Age(now time.Time) time.Duration {
	if f.FirstSeen.IsZero() {
		return 0
	}
	return now.Sub(f.FirstSeen)
}

// InjectionParams are the values a generated segment needs to land in a live flow
type InjectionParams struct {
	Seq uint32   `json:"seq"`
	Ack uint32   `json:"ack"`
	Src Endpoint `json:"src"`
	Dst Endpoint `json:"dst"`
}

// TrackerConfig bounds the flow table
type TrackerConfig struct {
	MaxFlows    int           `mapstructure:"max_flows" json:"max_flows"`
	FlowTimeout time.Duration `mapstructure:"flow_timeout" json:"flow_timeout"`
}

// DefaultTrackerConfig tracks up to 10000 flows idle for at most five minutes
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxFlows:    10000,
		FlowTimeout: 300 * time.Second,
	}
}

// Tracker maintains the flow table. It is safe for concurrent use.
type Tracker struct {
	cfg    TrackerConfig
	logger *logrus.Logger
	now    func() time.Time

	mu    sync.Mutex
	flows map[FlowKey]*Flow
}

// NewTracker creates a tracker; zero config values take the defaults
func NewTracker(cfg TrackerConfig, logger *logrus.Logger) *Tracker {
	def := DefaultTrackerConfig()
	if cfg.MaxFlows <= 0 {
		cfg.MaxFlows = def.MaxFlows
	}
	if cfg.FlowTimeout <= 0 {
		cfg.FlowTimeout = def.FlowTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tracker{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		flows:  make(map[FlowKey]*Flow),
	}
}

// HandleFrame decodes an Ethernet frame and tracks it if it carries TCP over IP
func (t *Tracker) HandleFrame(data []byte) bool {
	return t.HandlePacket(gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Lazy))
}

// HandlePacket tracks a decoded packet; it returns false for non-TCP traffic
func (t *Tracker) HandlePacket(pkt gopacket.Packet) bool {
	seg, ok := SegmentOf(pkt)
	if !ok {
		return false
	}
	t.Observe(seg)
	return true
}

// SegmentOf extracts the TCP segment of an IPv4 or IPv6 packet
func SegmentOf(pkt gopacket.Packet) (Segment, bool) {
	if pkt == nil {
		return Segment{}, false
	}
	var src, dst string
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		src, dst = ip.SrcIP.String(), ip.DstIP.String()
	case *layers.IPv6:
		src, dst = ip.SrcIP.String(), ip.DstIP.String()
	default:
		return Segment{}, false
	}
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return Segment{}, false
	}
	return Segment{
		Src:        Endpoint{IP: src, Port: uint16(tcp.SrcPort)},
		Dst:        Endpoint{IP: dst, Port: uint16(tcp.DstPort)},
		Seq:        tcp.Seq,
		Ack:        tcp.Ack,
		SYN:        tcp.SYN,
		ACK:        tcp.ACK,
		FIN:        tcp.FIN,
		RST:        tcp.RST,
		PayloadLen: len(tcp.Payload),
	}, true
}

// Observe updates the flow table with one segment
func (t *Tracker) Observe(seg Segment) {
	key := NewFlowKey(seg.Src, seg.Dst)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	flow, ok := t.flows[key]
	if !ok {
		if len(t.flows) >= t.cfg.MaxFlows {
			t.makeRoom(now)
		}
		flow = &Flow{
			Client:    seg.Src,
			Server:    seg.Dst,
			FirstSeen: now,
			State:     StateUnknown,
		}
		t.flows[key] = flow
		t.logger.WithFields(logrus.Fields{
			"component": "capture",
			"client":    seg.Src.String(),
			"server":    seg.Dst.String(),
		}).Debug("New TCP flow")
	}

	flow.LastSeen = now
	flow.PacketsSeen++
	flow.BytesTransferred += uint64(seg.PayloadLen)

	// SYN and FIN consume one sequence number; bare ACKs are counted the same way
	next := seg.Seq + uint32(max(seg.PayloadLen, 1))
	if seg.Src == flow.Client {
		flow.ClientSeq = next
		flow.ClientAck = seg.Ack
	} else {
		flow.ServerSeq = next
		flow.ServerAck = seg.Ack
	}

	switch {
	case seg.SYN && !seg.ACK:
		flow.State = StateSynSent
	case seg.SYN && seg.ACK:
		flow.State = StateSynReceived
	case seg.FIN:
		flow.State = StateFinWait
	case seg.RST:
		flow.State = StateReset
	case seg.ACK && (flow.State == StateSynSent || flow.State == StateSynReceived || flow.State == StateUnknown):
		flow.State = StateEstablished
	}
}

// makeRoom drops expired flows, then the least recently seen one if still full
func (t *Tracker) makeRoom(now time.Time) {
	t.expireLocked(now)
	if len(t.flows) < t.cfg.MaxFlows {
		return
	}
	var oldest FlowKey
	var oldestSeen time.Time
	first := true
	for k, f := range t.flows {
		if first || f.LastSeen.Before(oldestSeen) {
			oldest, oldestSeen, first = k, f.LastSeen, false
		}
	}
	delete(t.flows, oldest)
}

func (t *Tracker) expireLocked(now time.Time) int {
	n := 0
	for k, f := range t.flows {
		if now.Sub(f.LastSeen) > t.cfg.FlowTimeout {
			delete(t.flows, k)
			n++
		}
	}
	return n
}

// Expire removes flows idle for longer than the flow timeout and returns how many were removed
func (t *Tracker) Expire() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expireLocked(t.now())
}

// Flow returns a copy of the flow between a and b in either direction
func (t *Tracker) Flow(a, b Endpoint) (Flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[NewFlowKey(a, b)]
	if !ok {
		return Flow{}, false
	}
	return *f, true
}

// Flows lists tracked flows, most recently seen first. An empty state lists all.
func (t *Tracker) Flows(state FlowState) []Flow {
	t.mu.Lock()
	out := make([]Flow, 0, len(t.flows))
	for _, f := range t.flows {
		if state == "" || f.State == state {
			out = append(out, *f)
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// InjectionParams finds an established flow involving target and returns the values for a
// segment sent towards it. The segment continues the peer's side of the conversation.
func (t *Tracker) InjectionParams(target Endpoint) (InjectionParams, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best *Flow
	for _, f := range t.flows {
		if f.State != StateEstablished || (f.Server != target && f.Client != target) {
			continue
		}
		if best == nil || f.LastSeen.After(best.LastSeen) {
			best = f
		}
	}
	if best == nil {
		return InjectionParams{}, false
	}
	if best.Server == target {
		return InjectionParams{Seq: best.ClientSeq, Ack: best.ServerSeq, Src: best.Client, Dst: best.Server}, true
	}
	return InjectionParams{Seq: best.ServerSeq, Ack: best.ClientSeq, Src: best.Server, Dst: best.Client}, true
}

// ApplyTo splices the builder into the established flow towards target
func (t *Tracker) ApplyTo(s protocols.Splicer, target Endpoint) (InjectionParams, bool) {
	params, ok := t.InjectionParams(target)
	if !ok {
		return params, false
	}
	s.SetTCPState(params.Seq, params.Ack)
	t.logger.WithFields(logrus.Fields{
		"component": "capture",
		"target":    target.String(),
		"seq":       params.Seq,
		"ack":       params.Ack,
	}).Info("Spliced builder into live flow")
	return params, true
}

// Clear forgets every flow
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flows = make(map[FlowKey]*Flow)
}

// Len is the number of tracked flows
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}
