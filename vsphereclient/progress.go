// Copyright 2026 vLab Contributors.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package vsphereclient

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

// defaultKeepaliveInterval is how often an export lease is renewed
// while disks download.
const defaultKeepaliveInterval = 10 * time.Second

// keepaliveLease is the slice of the lease API the reporter needs.
type keepaliveLease interface {
	Progress(ctx context.Context, percent int32) error
	Complete(ctx context.Context) error
}

// progressReporter renews a transfer lease in the background so the
// remote side does not expire it while large files stream. It starts
// at construction and runs until Complete is called.
type progressReporter struct {
	lease    keepaliveLease
	clock    clock.Clock
	logger   loggo.Logger
	interval time.Duration

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newProgressReporter(lease keepaliveLease, interval time.Duration, clk clock.Clock, logger loggo.Logger) *progressReporter {
	if interval <= 0 {
		interval = defaultKeepaliveInterval
	}
	r := &progressReporter{
		lease:    lease,
		clock:    clk,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *progressReporter) loop() {
	defer close(r.done)
	ctx := context.Background()
	for {
		if err := r.lease.Progress(ctx, 50); err != nil {
			if isManagedObjectNotFound(err) {
				// The lease finished while a renewal was in flight.
				return
			}
			r.logger.Warningf("lease keepalive failed: %v", err)
		}
		select {
		case <-r.stop:
			return
		case <-r.clock.After(r.interval):
		}
	}
}

// abort stops the keepalive loop without touching the lease, for
// error paths where the caller aborts the lease itself.
func (r *progressReporter) abort() {
	r.once.Do(func() {
		close(r.stop)
		<-r.done
	})
}

// Complete stops the keepalive loop, waits for it to finish, then
// reports 100% and completes the lease. It is safe to defer and safe
// to call more than once; callers can rely on the background goroutine
// having fully stopped when it returns.
func (r *progressReporter) Complete(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		close(r.stop)
		<-r.done
		if perr := r.lease.Progress(ctx, 100); perr != nil {
			err = errors.Annotate(perr, "reporting completion")
			return
		}
		err = errors.Trace(r.lease.Complete(ctx))
	})
	return err
}
