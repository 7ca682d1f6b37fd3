/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: worker.go
Description: The send loop. Each iteration sends every configured anomaly count times,
honoring the interval, repeat and duration limits of the execution section, the pause gate
and single stepping. Per-packet failures are counted and the loop continues; a dead
transport or a panic ends the session in ERROR.
*/

package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kleascm/packetstorm/pkg/protocols"
	"github.com/kleascm/packetstorm/pkg/transport"
	"github.com/sirupsen/logrus"
)

func (e *Engine) run(ctx context.Context, r *runState) {
	defer close(r.done)
	defer func() {
		if r.transport.IsOpen() {
			if err := r.transport.Close(); err != nil {
				e.log.WithError(err).Warn("Failed to close transport")
			}
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			msg := fmt.Sprintf("send loop panic: %v", p)
			r.session.stats.RecordError(msg)
			e.log.WithField("session_id", r.session.ID).Error(msg)
			r.session.fail()
		}
	}()

	exec := r.session.Config.Execution
	interval := millis(exec.IntervalMS)
	duration := seconds(exec.DurationSeconds)
	log := e.log.WithField("session_id", r.session.ID)

	if delay := seconds(exec.StartDelaySeconds); delay > 0 {
		log.WithField("delay", delay.String()).Info("Waiting before first packet")
		if !sleepCtx(ctx, delay) {
			return
		}
	}

	start := time.Now()
loop:
	for iteration := 0; ctx.Err() == nil; iteration++ {
		if duration > 0 && time.Since(start) >= duration {
			log.WithField("iterations", iteration).Info("Duration limit reached")
			break
		}
		if exec.Repeat > 0 && iteration >= exec.Repeat {
			log.WithField("iterations", iteration).Info("Repeat count reached")
			break
		}
		if !r.pause.wait(ctx) {
			break
		}
		if r.stepMode.Load() {
			select {
			case <-ctx.Done():
				break loop
			case <-r.step:
			}
		}

		if err := e.iterate(ctx, r, interval); err != nil {
			r.session.stats.RecordError(err.Error())
			log.WithError(err).Error("Send loop aborted")
			r.session.fail()
			return
		}
	}

	r.session.finish()
}

// iterate sends one round of every anomaly. A round that sends nothing still waits.
func (e *Engine) iterate(ctx context.Context, r *runState, interval time.Duration) error {
	if r.tracker != nil {
		if s, ok := r.builder.(protocols.Splicer); ok {
			r.tracker.ApplyTo(s, r.target)
		}
	}

	attempted := 0
	for _, ca := range r.anomalies {
		for i := 0; i < ca.cfg.Count; i++ {
			if ctx.Err() != nil {
				return nil
			}
			attempted++
			if err := e.sendOne(r, ca); err != nil {
				return err
			}
			if interval > 0 && !sleepCtx(ctx, interval) {
				return nil
			}
		}
	}
	if attempted == 0 {
		sleepCtx(ctx, max(interval, idleWait))
	}
	return nil
}

// sendOne builds, mutates and transmits a single packet. Only an unusable transport is
// returned as an error; everything else is recorded as a failed packet.
func (e *Engine) sendOne(r *runState, ca configuredAnomaly) error {
	name := ca.anomaly.Name()
	stats := r.session.stats
	failed := func(err error) {
		stats.RecordFailure(err.Error())
		for _, rep := range r.reporters {
			rep.OnPacketFailed(r.session.ID, name, err)
		}
	}

	base, err := r.builder.BuildPacket(ca.cfg.PacketType, nil)
	if err != nil {
		failed(fmt.Errorf("build packet: %w", err))
		return nil
	}
	out, err := ca.anomaly.Apply(base)
	if err != nil {
		failed(fmt.Errorf("apply %s: %w", name, err))
		return nil
	}
	stats.RecordAnomaly()
	for _, rep := range r.reporters {
		rep.OnAnomalyApplied(r.session.ID, name)
	}

	data, err := out.Serialize()
	if err != nil {
		failed(fmt.Errorf("serialize: %w", err))
		return nil
	}

	start := time.Now()
	_, err = r.transport.Send(data)
	elapsed := time.Since(start)
	if err != nil {
		failed(err)
		if errors.Is(err, transport.ErrNotOpen) {
			return fmt.Errorf("transport unusable: %w", err)
		}
		return nil
	}

	stats.RecordSend(len(data))
	for _, rep := range r.reporters {
		rep.OnPacketSent(r.session.ID, name, len(data), elapsed)
	}
	if e.logger.IsLevelEnabled(logrus.TraceLevel) {
		e.log.WithFields(logrus.Fields{
			"anomaly": name,
			"size":    len(data),
			"elapsed": elapsed.String(),
		}).Trace("Frame transmitted")
	}
	return nil
}

// sleepCtx sleeps for d and returns false if ctx ended first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
