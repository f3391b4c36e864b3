// Copyright 2026 vLab Contributors.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package vsphereclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/vmware/govmomi/guest"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
)

// PowerState names a desired VM power transition.
type PowerState string

const (
	PowerStateOn      PowerState = "on"
	PowerStateOff     PowerState = "off"
	PowerStateRestart PowerState = "restart"
)

var validPowerStates = set.NewStrings(
	string(PowerStateOn),
	string(PowerStateOff),
	string(PowerStateRestart),
)

// defaultNetworkAdapterLabel is the label vSphere assigns to the first
// NIC of a machine.
const defaultNetworkAdapterLabel = "Network adapter 1"

// metaKeys is the exact annotation schema every lab VM carries.
var metaKeys = set.NewStrings("component", "created", "version", "generation", "configured")

func defaultMeta() map[string]interface{} {
	return map[string]interface{}{
		"component":  "Unknown",
		"created":    0,
		"version":    "Unknown",
		"generation": 0,
		"configured": false,
	}
}

// guestProcessManager is the slice of the guest operations API used to
// run commands inside a VM.
type guestProcessManager interface {
	StartProgram(ctx context.Context, auth types.BaseGuestAuthentication, spec types.BaseGuestProgramSpec) (int64, error)
	ListProcesses(ctx context.Context, auth types.BaseGuestAuthentication, pids []int64) ([]types.GuestProcessInfo, error)
}

func (c *Client) guestProcessManager(ctx context.Context, vm *object.VirtualMachine) (guestProcessManager, error) {
	opman := guest.NewOperationsManager(c.client.Client, vm.Reference())
	pm, err := opman.ProcessManager(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return pm, nil
}

// Power drives vm to the requested power state and reports whether the
// machine ended up there. An invalid state is an error; a transition
// that was started but did not complete in time reports false with a
// nil error, matching the best-effort contract callers rely on.
//
// Restarting a powered-off machine powers it on.
func (c *Client) Power(ctx context.Context, vm *object.VirtualMachine, state PowerState, timeout time.Duration) (bool, error) {
	if !validPowerStates.Contains(string(state)) {
		return false, errors.NotValidf("power state %q", state)
	}
	current, err := vm.PowerState(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	switch {
	case state == PowerStateOn && current == types.VirtualMachinePowerStatePoweredOn,
		state == PowerStateOff && current == types.VirtualMachinePowerStatePoweredOff:
		// Nothing to do.
		return true, nil
	}
	var task *object.Task
	switch state {
	case PowerStateOn:
		task, err = vm.PowerOn(ctx)
	case PowerStateOff:
		task, err = vm.PowerOff(ctx)
	case PowerStateRestart:
		if current == types.VirtualMachinePowerStatePoweredOff {
			task, err = vm.PowerOn(ctx)
		} else {
			task, err = vm.Reset(ctx)
		}
	}
	if err != nil {
		return false, errors.Trace(err)
	}
	if _, err := c.consumeTask(ctx, task, timeout); err != nil {
		c.logger.Warningf("waiting for power %s of %q: %v", state, vm.Reference().Value, err)
		return false, nil
	}
	return true, nil
}

// RunCommandParams describes a command to run inside a guest via
// VMware Tools.
type RunCommandParams struct {
	// Command is the absolute path of the program to run.
	Command string

	// Arguments is the argument string passed to the program.
	Arguments string

	// User and Password authenticate against the guest OS, not
	// vCenter.
	User     string
	Password string

	// InitTimeout bounds waiting for VMware Tools to come up inside
	// the guest. Zero means ten minutes.
	InitTimeout time.Duration

	// Timeout bounds waiting for the command itself to exit. Zero
	// means ten minutes.
	Timeout time.Duration

	// OneShot fires the command and returns without waiting for it
	// to finish. The returned process info then carries only the PID.
	OneShot bool
}

// RunCommand executes a program inside vm's guest OS. Guest operations
// are unavailable while VMware Tools boots, so the start is retried
// once per second until InitTimeout; any other start failure is fatal
// immediately.
func (c *Client) RunCommand(ctx context.Context, vm *object.VirtualMachine, params RunCommandParams) (*types.GuestProcessInfo, error) {
	if params.Command == "" {
		return nil, errors.NotValidf("empty command")
	}
	initTimeout := params.InitTimeout
	if initTimeout <= 0 {
		initTimeout = defaultTaskTimeout
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	pm, err := c.processManager(ctx, vm)
	if err != nil {
		return nil, errors.Trace(err)
	}
	auth := &types.NamePasswordAuthentication{
		Username: params.User,
		Password: params.Password,
	}
	spec := types.GuestProgramSpec{
		ProgramPath: params.Command,
		Arguments:   params.Arguments,
	}
	attempts := int(initTimeout / time.Second)
	if attempts < 1 {
		attempts = 1
	}
	var pid int64
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			pid, err = pm.StartProgram(ctx, auth, &spec)
			return err
		},
		IsFatalError: func(err error) bool {
			return !isGuestOperationsUnavailable(err)
		},
		NotifyFunc: func(lastError error, attempt int) {
			c.logger.Debugf("guest operations not ready (attempt %d): %v", attempt, lastError)
		},
		Attempts: attempts,
		Delay:    time.Second,
		Clock:    c.clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) || retry.IsDurationExceeded(err) {
			return nil, errors.NewTimeout(nil, fmt.Sprintf("VMware Tools not ready within %v running %q", initTimeout, params.Command))
		}
		return nil, errors.Trace(err)
	}
	if params.OneShot {
		return &types.GuestProcessInfo{Pid: pid}, nil
	}
	pollAttempts := int(timeout / time.Second)
	if pollAttempts < 1 {
		pollAttempts = 1
	}
	for i := 0; i < pollAttempts; i++ {
		info, err := c.getProcessInfo(ctx, pm, auth, pid)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if info.EndTime != nil {
			return info, nil
		}
		if err := sleepFor(ctx, c.clock, time.Second); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return nil, errors.NewTimeout(nil, fmt.Sprintf("command %q %q still running after %v", params.Command, params.Arguments, timeout))
}

// GetProcessInfo fetches the state of a process previously started in
// vm's guest, typically a OneShot command being tracked by its PID.
func (c *Client) GetProcessInfo(ctx context.Context, vm *object.VirtualMachine, user, password string, pid int64) (*types.GuestProcessInfo, error) {
	pm, err := c.processManager(ctx, vm)
	if err != nil {
		return nil, errors.Trace(err)
	}
	auth := &types.NamePasswordAuthentication{Username: user, Password: password}
	info, err := c.getProcessInfo(ctx, pm, auth, pid)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return info, nil
}

func (c *Client) getProcessInfo(ctx context.Context, pm guestProcessManager, auth types.BaseGuestAuthentication, pid int64) (*types.GuestProcessInfo, error) {
	procs, err := pm.ListProcesses(ctx, auth, []int64{pid})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(procs) == 0 {
		return nil, errors.NotFoundf("process %d", pid)
	}
	return &procs[0], nil
}

// VMInfo is the summary view of a machine returned by GetInfo.
type VMInfo struct {
	// State is the raw vSphere power state, e.g. "poweredOn".
	State types.VirtualMachinePowerState

	// Console is a ready-to-open HTML5 console URL.
	Console string

	// IPs are the addresses reported by VMware Tools.
	IPs []string

	// Networks are the connected network names owned by the
	// requesting user.
	Networks []string

	// MOID is the machine's managed object ID.
	MOID string

	// Meta is the annotation metadata; a machine without valid
	// metadata reports the Unknown defaults.
	Meta map[string]interface{}
}

// GetInfo summarizes vm for the given user. With ensureIP set the call
// blocks, up to ensureTimeout, until VMware Tools reports at least one
// IP address; machines finish booting long after their deploy task
// completes. Connected networks are filtered to the ones the user
// owns; an empty username keeps them all.
func (c *Client) GetInfo(ctx context.Context, vm *object.VirtualMachine, username string, ensureIP bool, ensureTimeout time.Duration) (*VMInfo, error) {
	if ensureTimeout <= 0 {
		ensureTimeout = defaultTaskTimeout
	}
	var machine mo.VirtualMachine
	props := []string{"name", "runtime.powerState", "guest.net", "config.annotation"}
	if err := c.pc().RetrieveOne(ctx, vm.Reference(), props, &machine); err != nil {
		return nil, errors.Trace(err)
	}
	ips, networks := guestAddresses(machine.Guest)
	if ensureIP && len(ips) == 0 {
		attempts := int(ensureTimeout / time.Second)
		if attempts < 1 {
			attempts = 1
		}
		for i := 0; i < attempts && len(ips) == 0; i++ {
			if err := sleepFor(ctx, c.clock, time.Second); err != nil {
				return nil, errors.Trace(err)
			}
			if err := c.pc().RetrieveOne(ctx, vm.Reference(), []string{"guest.net"}, &machine); err != nil {
				return nil, errors.Trace(err)
			}
			ips, networks = guestAddresses(machine.Guest)
		}
		if len(ips) == 0 {
			return nil, errors.NewTimeout(nil, fmt.Sprintf("%q reported no IP address within %v", machine.Name, ensureTimeout))
		}
	}
	console, err := c.consoleURL(ctx, vm, machine.Name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &VMInfo{
		State:    machine.Runtime.PowerState,
		Console:  console,
		IPs:      ips,
		Networks: ownedNetworks(networks, username),
		MOID:     vm.Reference().Value,
		Meta:     parseMeta(machine.Config),
	}, nil
}

// guestAddresses extracts the IPs and network names VMware Tools has
// reported. A nil guest means Tools has said nothing yet.
func guestAddresses(info *types.GuestInfo) (ips, networks []string) {
	if info == nil {
		return nil, nil
	}
	for _, nic := range info.Net {
		if nic.Network != "" {
			networks = append(networks, nic.Network)
		}
		ips = append(ips, nic.IpAddress...)
	}
	return ips, networks
}

func ownedNetworks(networks []string, username string) []string {
	if username == "" {
		return networks
	}
	var owned []string
	for _, name := range networks {
		if name == username || strings.HasPrefix(name, username+"_") {
			owned = append(owned, name)
		}
	}
	return owned
}

func parseMeta(config *types.VirtualMachineConfigInfo) map[string]interface{} {
	if config == nil {
		return defaultMeta()
	}
	var meta map[string]interface{}
	if err := json.Unmarshal([]byte(config.Annotation), &meta); err != nil {
		return defaultMeta()
	}
	return meta
}

// consoleURL builds an HTML5 web console URL for vm. The session
// ticket embedded in it is single-use.
func (c *Client) consoleURL(ctx context.Context, vm *object.VirtualMachine, name string) (string, error) {
	ticket, err := c.client.SessionManager.AcquireCloneTicket(ctx)
	if err != nil {
		return "", errors.Annotate(err, "acquiring clone ticket")
	}
	about := c.client.ServiceContent.About
	return fmt.Sprintf(
		"https://%s:%d/vsphere-client/webconsole.html?vmId=%s&vmName=%s&serverGuid=%s&locale=en_US&host=%s:%d&sessionTicket=%s&thumbprint=%s",
		c.cfg.Host, c.cfg.consolePort(),
		vm.Reference().Value, name, about.InstanceUuid,
		c.vcenterFQDN(ctx), c.cfg.port(),
		ticket, c.serverThumbprint(),
	), nil
}

// vcenterFQDN reads the server's advertised FQDN, falling back to the
// configured host when the setting is absent.
func (c *Client) vcenterFQDN(ctx context.Context) string {
	setting := c.client.ServiceContent.Setting
	if setting == nil {
		return c.cfg.Host
	}
	om := object.NewOptionManager(c.client.Client, *setting)
	opts, err := om.Query(ctx, "VirtualCenter.FQDN")
	if err != nil || len(opts) == 0 {
		c.logger.Debugf("querying VirtualCenter.FQDN: %v", err)
		return c.cfg.Host
	}
	if fqdn, ok := opts[0].GetOptionValue().Value.(string); ok && fqdn != "" {
		return fqdn
	}
	return c.cfg.Host
}

// serverThumbprint reads the server's TLS certificate and returns its
// SHA-1 thumbprint. The console works without one against test
// endpoints, so failure only logs.
func (c *Client) serverThumbprint() string {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.port())
	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		c.logger.Warningf("reading server certificate for console thumbprint: %v", err)
		return ""
	}
	defer conn.Close()
	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return ""
	}
	return soap.ThumbprintSHA1(certs[0])
}

// SetMeta replaces vm's annotation metadata. The supplied map must
// carry exactly the expected keys; nothing is written otherwise.
func (c *Client) SetMeta(ctx context.Context, vm *object.VirtualMachine, meta map[string]interface{}) error {
	provided := set.NewStrings()
	for key := range meta {
		provided.Add(key)
	}
	if missing := metaKeys.Difference(provided); missing.Size() > 0 {
		return errors.NotValidf("metadata missing keys %v", missing.SortedValues())
	}
	if extra := provided.Difference(metaKeys); extra.Size() > 0 {
		return errors.NotValidf("metadata with unexpected keys %v", extra.SortedValues())
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return errors.Trace(err)
	}
	task, err := vm.Reconfigure(ctx, types.VirtualMachineConfigSpec{
		Annotation: string(data),
	})
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := c.consumeTask(ctx, task, 0); err != nil {
		return errors.Annotate(err, "updating metadata")
	}
	return nil
}

// AdjustRAM resizes vm's memory. The machine must be powered off
// unless memory hot-add is enabled; vSphere rejects the change
// otherwise and that rejection is surfaced as the task error.
func (c *Client) AdjustRAM(ctx context.Context, vm *object.VirtualMachine, sizeMB int64) error {
	c.logger.Debugf("setting %q memory to %s", vm.Reference().Value, humanize.IBytes(uint64(sizeMB)*1024*1024))
	task, err := vm.Reconfigure(ctx, types.VirtualMachineConfigSpec{
		MemoryMB: sizeMB,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := c.consumeTask(ctx, task, 0); err != nil {
		return errors.Annotate(err, "resizing memory")
	}
	return nil
}

// AdjustCPU resizes vm's virtual CPU count.
func (c *Client) AdjustCPU(ctx context.Context, vm *object.VirtualMachine, count int32) error {
	c.logger.Debugf("setting %q CPU count to %d", vm.Reference().Value, count)
	task, err := vm.Reconfigure(ctx, types.VirtualMachineConfigSpec{
		NumCPUs: count,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := c.consumeTask(ctx, task, 0); err != nil {
		return errors.Annotate(err, "resizing CPU")
	}
	return nil
}

// ChangeNetwork rebinds one of vm's network adapters, found by its
// device label, to the named network. An empty label means the first
// adapter.
func (c *Client) ChangeNetwork(ctx context.Context, vm *object.VirtualMachine, network, label string) error {
	if label == "" {
		label = defaultNetworkAdapterLabel
	}
	networks, err := c.Networks(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	netRef, ok := networks[network]
	if !ok {
		return errors.NotFoundf("network %q", network)
	}
	devices, err := vm.Device(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	var card types.BaseVirtualEthernetCard
	for _, dev := range devices {
		nic, ok := dev.(types.BaseVirtualEthernetCard)
		if !ok {
			continue
		}
		if info := nic.GetVirtualEthernetCard().DeviceInfo; info != nil && info.GetDescription().Label == label {
			card = nic
			break
		}
	}
	if card == nil {
		return errors.NotFoundf("network adapter labelled %q", label)
	}
	backing, err := netRef.EthernetCardBackingInfo(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	card.GetVirtualEthernetCard().Backing = backing
	task, err := vm.Reconfigure(ctx, types.VirtualMachineConfigSpec{
		DeviceChange: []types.BaseVirtualDeviceConfigSpec{
			&types.VirtualDeviceConfigSpec{
				Operation: types.VirtualDeviceConfigSpecOperationEdit,
				Device:    card.(types.BaseVirtualDevice),
			},
		},
	})
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := c.consumeTask(ctx, task, 0); err != nil {
		return errors.Annotatef(err, "moving %q to network %q", label, network)
	}
	return nil
}

const (
	// maxDisksPerController is the SCSI device limit, including the
	// controller itself on unit 7.
	maxDisksPerController  = 16
	reservedControllerUnit = 7
)

// AddDisk attaches a new thin-provisioned disk of sizeGB to the
// controller of vm's existing first disk, on the lowest free unit
// number.
func (c *Client) AddDisk(ctx context.Context, vm *object.VirtualMachine, sizeGB int) error {
	devices, err := vm.Device(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	var disks []*types.VirtualDisk
	usedUnits := set.NewInts()
	for _, dev := range devices {
		disk, ok := dev.(*types.VirtualDisk)
		if !ok {
			continue
		}
		disks = append(disks, disk)
		if disk.UnitNumber != nil {
			usedUnits.Add(int(*disk.UnitNumber))
		}
	}
	if len(disks) == 0 {
		return errors.Errorf("%q has no disk to infer a controller from", vm.Reference().Value)
	}
	if len(disks) >= maxDisksPerController-1 {
		return errors.Errorf("%q already carries the maximum number of disks", vm.Reference().Value)
	}
	unit := int32(-1)
	for i := 0; i < maxDisksPerController; i++ {
		if i == reservedControllerUnit {
			continue
		}
		if !usedUnits.Contains(i) {
			unit = int32(i)
			break
		}
	}
	if unit < 0 {
		return errors.Errorf("no free unit number on %q's controller", vm.Reference().Value)
	}
	c.logger.Debugf("adding %s disk to %q on unit %d", humanize.IBytes(uint64(sizeGB)<<30), vm.Reference().Value, unit)
	disk := &types.VirtualDisk{
		VirtualDevice: types.VirtualDevice{
			Key:           -1,
			ControllerKey: disks[0].ControllerKey,
			UnitNumber:    &unit,
			Backing: &types.VirtualDiskFlatVer2BackingInfo{
				DiskMode:        string(types.VirtualDiskModePersistent),
				ThinProvisioned: types.NewBool(true),
			},
		},
		CapacityInKB: int64(sizeGB) * 1024 * 1024,
	}
	task, err := vm.Reconfigure(ctx, types.VirtualMachineConfigSpec{
		DeviceChange: []types.BaseVirtualDeviceConfigSpec{
			&types.VirtualDeviceConfigSpec{
				Operation:     types.VirtualDeviceConfigSpecOperationAdd,
				FileOperation: types.VirtualDeviceConfigSpecFileOperationCreate,
				Device:        disk,
			},
		},
	})
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := c.consumeTask(ctx, task, 0); err != nil {
		return errors.Annotate(err, "adding disk")
	}
	return nil
}
