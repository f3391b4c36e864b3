// Copyright 2026 vLab Contributors.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package vsphereclient

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/vmware/govmomi/nfc"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

// leaseState is one observation of an HTTP NFC lease.
type leaseState struct {
	state types.HttpNfcLeaseState
	fault *types.LocalizedMethodFault
}

type leasePoller func(ctx context.Context) (leaseState, error)

// leasePolicy parameterizes the lease-ready wait. The deploy and
// export paths want the same loop with different budgets, backoff and
// failure vocabulary.
type leasePolicy struct {
	attempts    int
	backoff     func(attempt int) time.Duration
	onError     func(message string) error
	onExhausted func() error
}

// deployLeasePolicy polls half a minute at a fixed interval. A lease
// error is the management plane rejecting the import spec, so it maps
// to a validation failure; running out of attempts is the dedicated
// deploy failure, distinct from a timeout.
var deployLeasePolicy = leasePolicy{
	attempts: 30,
	backoff:  func(int) time.Duration { return time.Second },
	onError: func(message string) error {
		return errors.NewNotValid(nil, message)
	},
	onExhausted: func() error {
		return &deployFailureError{errors.New("lease never became usable")}
	},
}

// exportLeasePolicy backs off linearly, attempt i sleeping i seconds,
// since export leases can take much longer to prepare.
var exportLeasePolicy = leasePolicy{
	attempts: 45,
	backoff: func(attempt int) time.Duration {
		return time.Duration(attempt) * time.Second
	},
	onError: func(message string) error {
		return errors.New(message)
	},
	onExhausted: func() error {
		return errors.NewTimeout(nil, "export lease never became ready")
	},
}

// waitLease polls until the lease is ready. A lease error is terminal
// immediately; not-ready is retried per the policy.
func waitLease(ctx context.Context, clk clock.Clock, poll leasePoller, policy leasePolicy) error {
	for attempt := 0; attempt < policy.attempts; attempt++ {
		st, err := poll(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if st.fault != nil {
			return policy.onError(st.fault.LocalizedMessage)
		}
		if st.state == types.HttpNfcLeaseStateReady {
			return nil
		}
		if err := sleepFor(ctx, clk, policy.backoff(attempt)); err != nil {
			return errors.Trace(err)
		}
	}
	return policy.onExhausted()
}

func (c *Client) leasePoller(lease *nfc.Lease) leasePoller {
	return func(ctx context.Context) (leaseState, error) {
		var l mo.HttpNfcLease
		if err := c.pc().RetrieveOne(ctx, lease.Reference(), []string{"state", "error"}, &l); err != nil {
			return leaseState{}, errors.Trace(err)
		}
		return leaseState{state: l.State, fault: l.Error}, nil
	}
}

// leaseInfo fetches the lease's transfer information, including the
// per-device URLs.
func (c *Client) leaseInfo(ctx context.Context, lease *nfc.Lease) (*types.HttpNfcLeaseInfo, error) {
	var l mo.HttpNfcLease
	if err := c.pc().RetrieveOne(ctx, lease.Reference(), []string{"info"}, &l); err != nil {
		return nil, errors.Trace(err)
	}
	if l.Info == nil {
		return nil, errors.Errorf("lease carries no transfer information")
	}
	return l.Info, nil
}

// acquireDeployLease starts the import on the resource pool and waits
// for the resulting lease to become usable.
func (c *Client) acquireDeployLease(
	ctx context.Context,
	pool *object.ResourcePool,
	importSpec types.BaseImportSpec,
	folder *object.Folder,
	host *object.HostSystem,
) (*nfc.Lease, error) {
	lease, err := pool.ImportVApp(ctx, importSpec, folder, host)
	if err != nil {
		return nil, errors.Annotate(err, "initiating import")
	}
	if err := waitLease(ctx, c.clock, c.leasePoller(lease), deployLeasePolicy); err != nil {
		return nil, errors.Trace(err)
	}
	return lease, nil
}

// nfcLeaseAdapter narrows *nfc.Lease for the archive deploy path.
type nfcLeaseAdapter struct {
	lease   *nfc.Lease
	client  *Client
	devices []types.HttpNfcLeaseDeviceUrl
}

func (c *Client) newLeaseAdapter(lease *nfc.Lease, devices []types.HttpNfcLeaseDeviceUrl) *nfcLeaseAdapter {
	return &nfcLeaseAdapter{lease: lease, client: c, devices: devices}
}

func (a *nfcLeaseAdapter) DeviceURLs() []types.HttpNfcLeaseDeviceUrl {
	return a.devices
}

func (a *nfcLeaseAdapter) Progress(ctx context.Context, percent int32) error {
	return a.lease.Progress(ctx, percent)
}

func (a *nfcLeaseAdapter) Complete(ctx context.Context) error {
	return a.lease.Complete(ctx)
}

func (a *nfcLeaseAdapter) Abort(ctx context.Context, fault *types.LocalizedMethodFault) error {
	return a.lease.Abort(ctx, fault)
}

func (a *nfcLeaseAdapter) State(ctx context.Context) (types.HttpNfcLeaseState, error) {
	st, err := a.client.leasePoller(a.lease)(ctx)
	if err != nil {
		return "", errors.Trace(err)
	}
	return st.state, nil
}
