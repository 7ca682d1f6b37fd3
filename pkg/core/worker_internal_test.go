/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: worker_internal_test.go
Description: Send loop iterations that have nothing to send.
*/

package core

import (
	"context"
	"testing"
	"time"

	"github.com/kleascm/packetstorm/pkg/anomaly"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIterateWaitsWhenNothingIsSent(t *testing.T) {
	e := &Engine{}
	cases := map[string]*runState{
		"no anomalies": {},
		"zero counts":  {anomalies: []configuredAnomaly{{cfg: anomaly.Config{Count: 0}}, {cfg: anomaly.Config{Count: 0}}}},
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			start := time.Now()
			require.NoError(t, e.iterate(context.Background(), r, 0))
			assert.GreaterOrEqual(t, time.Since(start), idleWait)
		})
	}
}

func TestIterateIdleHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &runState{anomalies: []configuredAnomaly{{cfg: anomaly.Config{Count: 0}}}}

	start := time.Now()
	require.NoError(t, (&Engine{}).iterate(ctx, r, time.Hour))
	assert.Less(t, time.Since(start), time.Second)
}
