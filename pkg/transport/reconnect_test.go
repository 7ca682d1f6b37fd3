/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: reconnect_test.go
Description: Tests for the reconnecting decorator using a mocked transport.
*/

package transport_test

import (
	"errors"
	"testing"
	"time"

	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/kleascm/packetstorm/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Name() string { return "mock" }

func (m *MockTransport) Open(nc config.NetworkConfig) error {
	return m.Called(nc).Error(0)
}

func (m *MockTransport) Send(frame []byte) (int, error) {
	args := m.Called(frame)
	return args.Int(0), args.Error(1)
}

func (m *MockTransport) SendBatch(frames [][]byte) (int, error) {
	args := m.Called(frames)
	return args.Int(0), args.Error(1)
}

func (m *MockTransport) Receive(timeout time.Duration) ([]byte, error) {
	args := m.Called(timeout)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *MockTransport) Close() error           { return m.Called().Error(0) }
func (m *MockTransport) IsOpen() bool           { return m.Called().Bool(0) }
func (m *MockTransport) Stats() transport.Stats { return transport.Stats{} }

var errLink = errors.New("link down")

func fastReconnect(enabled bool) transport.ReconnectConfig {
	rc := transport.DefaultReconnectConfig()
	rc.Enabled = enabled
	rc.InitialDelay = 0.001
	rc.MaxDelay = 0.002
	rc.MaxConsecutiveFailures = 3
	rc.MaxRetries = 3
	return rc
}

func TestReconnectAfterConsecutiveFailures(t *testing.T) {
	inner := &MockTransport{}
	inner.On("Open", mock.Anything).Return(nil).Once()
	inner.On("Send", mock.Anything).Return(0, errLink).Times(3)
	inner.On("Close").Return(nil)
	inner.On("Open", mock.Anything).Return(errLink).Once()
	inner.On("Open", mock.Anything).Return(nil).Once()
	inner.On("Send", mock.Anything).Return(4, nil)

	r := transport.NewReconnecting(inner, fastReconnect(true), nil)
	require.NoError(t, r.Open(config.NetworkConfig{Interface: "lo"}))

	for i := 0; i < 2; i++ {
		_, err := r.Send([]byte{1, 2, 3, 4})
		assert.ErrorIs(t, err, errLink)
	}
	n, err := r.Send([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	st := r.ReconnectStats()
	assert.Equal(t, uint64(2), st.Attempts)
	assert.Equal(t, uint64(1), st.Successes)
	assert.Equal(t, uint64(1), st.Failures)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Positive(t, st.TotalDowntime)
	inner.AssertNumberOfCalls(t, "Open", 3)
	inner.AssertCalled(t, "Open", config.NetworkConfig{Interface: "lo"})
}

func TestReconnectGivesUp(t *testing.T) {
	inner := &MockTransport{}
	inner.On("Send", mock.Anything).Return(0, errLink)
	inner.On("Close").Return(nil)
	inner.On("Open", mock.Anything).Return(errLink)

	r := transport.NewReconnecting(inner, fastReconnect(true), nil)
	for i := 0; i < 3; i++ {
		_, err := r.Send([]byte{1})
		assert.ErrorIs(t, err, errLink)
	}
	st := r.ReconnectStats()
	assert.Equal(t, uint64(3), st.Attempts)
	assert.Equal(t, uint64(3), st.Failures)
	assert.Equal(t, 3, st.ConsecutiveFailures)
}

func TestReconnectDisabledPassesErrorsThrough(t *testing.T) {
	inner := &MockTransport{}
	inner.On("SendBatch", mock.Anything).Return(1, errLink)

	r := transport.NewReconnecting(inner, fastReconnect(false), nil)
	for i := 0; i < 5; i++ {
		n, err := r.SendBatch([][]byte{{1}, {2}})
		assert.ErrorIs(t, err, errLink)
		assert.Equal(t, 1, n)
	}
	inner.AssertNotCalled(t, "Open", mock.Anything)
	assert.Zero(t, r.ReconnectStats().Attempts)
}

func TestNextDelay(t *testing.T) {
	rc := transport.DefaultReconnectConfig()

	rc.Policy = transport.PolicyFixed
	assert.Equal(t, time.Second, rc.NextDelay(8*time.Second, 4))

	rc.Policy = transport.PolicyLinear
	assert.Equal(t, 7*time.Second, rc.NextDelay(time.Second, 3))

	rc.Policy = transport.PolicyExponential
	assert.Equal(t, 4*time.Second, rc.NextDelay(2*time.Second, 1))
	assert.Equal(t, 60*time.Second, rc.NextDelay(50*time.Second, 6))
}

func TestParseReconnectConfig(t *testing.T) {
	rc, err := transport.ParseReconnectConfig(map[string]any{"policy": "sideways", "max_retries": "4"})
	require.NoError(t, err)
	assert.Equal(t, transport.PolicyExponential, rc.Policy)
	assert.Equal(t, 4, rc.MaxRetries)
	assert.False(t, rc.Enabled)
	assert.Equal(t, 5, rc.MaxConsecutiveFailures)
}
