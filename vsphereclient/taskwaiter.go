// Copyright 2026 vLab Contributors.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package vsphereclient

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

// defaultTaskTimeout bounds task waits when the caller does not supply
// a timeout.
const defaultTaskTimeout = 10 * time.Minute

// taskInfoPoller fetches the current state of an asynchronous
// operation.
type taskInfoPoller func(ctx context.Context) (*types.TaskInfo, error)

// consumeTask waits for task to finish, polling once per second up to
// timeout. A task that reports a terminal error surfaces that error's
// message verbatim.
func (c *Client) consumeTask(ctx context.Context, task *object.Task, timeout time.Duration) (*types.TaskInfo, error) {
	poll := func(ctx context.Context) (*types.TaskInfo, error) {
		var t mo.Task
		if err := c.pc().RetrieveOne(ctx, task.Reference(), []string{"info"}, &t); err != nil {
			return nil, errors.Trace(err)
		}
		return &t.Info, nil
	}
	return waitTask(ctx, c.clock, poll, timeout, task.Reference().Value)
}

func waitTask(
	ctx context.Context,
	clk clock.Clock,
	poll taskInfoPoller,
	timeout time.Duration,
	name string,
) (*types.TaskInfo, error) {
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	attempts := int(timeout / time.Second)
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		info, err := poll(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if info.CompleteTime != nil {
			if info.Error != nil {
				return nil, errors.New(info.Error.LocalizedMessage)
			}
			return info, nil
		}
		if err := sleepFor(ctx, clk, time.Second); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return nil, errors.NewTimeout(nil, fmt.Sprintf("timeout of %v exceeded for task %q", timeout, name))
}

// sleepFor blocks for d on clk, or until ctx is cancelled.
func sleepFor(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}
