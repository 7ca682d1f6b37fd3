/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: replay.go
Description: Replay anomaly. Keeps a fixed-capacity ring of previously seen frames and,
once two or more are held, emits a historical frame instead of the current one.
*/

package anomaly

import (
	"sync"

	"github.com/kleascm/packetstorm/pkg/packet"
)

// ReplayMode selects how a replayed frame is altered
type ReplayMode uint8

const (
	ReplayExact ReplayMode = iota
	ReplayDelayed
	ReplayModified
	ReplayBurst
)

var replayModes = []string{"exact", "delayed", "modified", "burst"}

func (m ReplayMode) String() string { return replayModes[m] }

// ReplaySource selects which history entry is replayed
type ReplaySource uint8

const (
	ReplayFromRandom ReplaySource = iota
	ReplayFromOldest
	ReplayFromNewest
)

var replaySources = []string{"random", "oldest", "newest"}

// ReplayParams configures replay
type ReplayParams struct {
	Mode        string `mapstructure:"mode"`
	HistorySize int    `mapstructure:"history_size"`
	BurstCount  int    `mapstructure:"burst_count"`
	ReplayFrom  string `mapstructure:"replay_from"`
}

// Replay re-emits earlier frames
type Replay struct {
	Base
	params ReplayParams
	mode   ReplayMode
	from   ReplaySource

	mu      sync.Mutex
	history *ring
}

var replayMeta = generic("replay", "Replay historical packets to simulate replay attacks")

// NewReplay builds a replay anomaly
func NewReplay(opts Options) (Anomaly, error) {
	a := &Replay{params: ReplayParams{HistorySize: 100, BurstCount: 10}}
	a.Init(replayMeta, opts)
	if err := DecodeParams(a.Name(), opts.Params, &a.params); err != nil {
		return nil, err
	}
	var err error
	if a.mode, err = ParseMode(a.Name(), a.params.Mode, replayModes, ReplayExact); err != nil {
		return nil, err
	}
	if a.from, err = ParseMode(a.Name(), a.params.ReplayFrom, replaySources, ReplayFromRandom); err != nil {
		return nil, err
	}
	if a.params.HistorySize < 2 {
		return nil, &ParamError{Anomaly: a.Name(), Param: "history_size", Value: a.params.HistorySize}
	}
	a.history = newRing(a.params.HistorySize)
	return a, nil
}

// Apply records p and returns a replayed frame once history holds two entries
func (a *Replay) Apply(p *packet.Packet) (*packet.Packet, error) {
	a.Tick()
	cur, err := p.Serialize()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.history.push(cur)
	n := a.history.len()
	if n < 2 {
		return p.Clone(), nil
	}

	var picked []byte
	switch a.from {
	case ReplayFromOldest:
		picked = a.history.at(0)
	case ReplayFromNewest:
		picked = a.history.at(n - 2)
	default:
		picked = a.history.at(a.rng.Intn(n - 1))
	}

	out := append([]byte(nil), picked...)
	if a.mode == ReplayModified && len(out) > 20 {
		pos := a.Between(14, len(out)-1)
		out[pos] ^= byte(a.Between(1, 255))
	}

	a.log.Debugf("Replayed packet from history (mode=%s, history=%d)", a.mode, n)
	return reparse(out), nil
}

// HistoryLen is the number of frames currently held
func (a *Replay) HistoryLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history.len()
}

// ClearHistory drops all held frames
func (a *Replay) ClearHistory() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = newRing(a.params.HistorySize)
}

// ring is a fixed-capacity FIFO that silently evicts its oldest entry
type ring struct {
	buf   [][]byte
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([][]byte, capacity)}
}

func (r *ring) push(b []byte) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = b
		r.n++
		return
	}
	r.buf[r.start] = b
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int { return r.n }

// at returns entry i, 0 being the oldest
func (r *ring) at(i int) []byte {
	return r.buf[(r.start+i)%len(r.buf)]
}
