/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: flow_internal_test.go
Description: Flow table eviction and expiry against a controlled clock.
*/

package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(maxFlows int, timeout time.Duration) (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := NewTracker(TrackerConfig{MaxFlows: maxFlows, FlowTimeout: timeout}, nil)
	tr.now = clock.now
	return tr, clock
}

func seg(clientPort uint16) Segment {
	return Segment{
		Src: Endpoint{IP: "10.0.0.1", Port: clientPort},
		Dst: Endpoint{IP: "10.0.0.2", Port: 3260},
		ACK: true,
	}
}

func TestEvictsLeastRecentlySeenWhenFull(t *testing.T) {
	tr, clock := newTestTracker(2, time.Hour)

	tr.Observe(seg(1))
	clock.advance(time.Second)
	tr.Observe(seg(2))
	clock.advance(time.Second)
	tr.Observe(seg(1))
	clock.advance(time.Second)
	tr.Observe(seg(3))

	require.Equal(t, 2, tr.Len())
	_, ok := tr.Flow(seg(2).Src, seg(2).Dst)
	assert.False(t, ok)
	_, ok = tr.Flow(seg(1).Src, seg(1).Dst)
	assert.True(t, ok)
}

func TestEvictionPrefersExpiredFlows(t *testing.T) {
	tr, clock := newTestTracker(3, 10*time.Second)

	tr.Observe(seg(1))
	tr.Observe(seg(2))
	clock.advance(20 * time.Second)
	tr.Observe(seg(3))
	assert.Equal(t, 3, tr.Len())

	tr.Observe(seg(4))
	assert.Equal(t, 2, tr.Len())
	_, ok := tr.Flow(seg(3).Src, seg(3).Dst)
	assert.True(t, ok)
}

func TestExpire(t *testing.T) {
	tr, clock := newTestTracker(10, 10*time.Second)
	tr.Observe(seg(1))
	clock.advance(5 * time.Second)
	tr.Observe(seg(2))
	clock.advance(6 * time.Second)

	assert.Equal(t, 1, tr.Expire())
	assert.Equal(t, 1, tr.Len())

	flows := tr.Flows("")
	require.Len(t, flows, 1)
	assert.Equal(t, 6*time.Second, flows[0].Age(clock.now()))
}

func TestFlowsOrderedByLastSeen(t *testing.T) {
	tr, clock := newTestTracker(10, time.Hour)
	for p := uint16(1); p <= 3; p++ {
		tr.Observe(seg(p))
		clock.advance(time.Second)
	}
	flows := tr.Flows(StateEstablished)
	require.Len(t, flows, 3)
	assert.Equal(t, uint16(3), flows[0].Client.Port)
	assert.Equal(t, uint16(1), flows[2].Client.Port)
}
