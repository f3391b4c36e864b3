// Copyright 2026 vLab Contributors.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package vsphereclient

import (
	"context"
	"math/rand"

	"github.com/juju/errors"
	"github.com/kr/pretty"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/ovf"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/vlab-io/vsphereops/ova"
)

// DeployParams describes a new VM to create from an OVA bundle.
type DeployParams struct {
	// MachineName is the inventory name of the new machine.
	MachineName string

	// Username names the owner; the machine lands in that user's
	// folder under the configured base directory.
	Username string

	// NetworkMappings binds the archive's abstract network names to
	// real networks. It must cover every network the descriptor
	// declares and must not be empty.
	NetworkMappings []types.OvfNetworkMapping

	// PowerOn starts the machine once deployed. Power-on failure is
	// logged, not fatal; the machine exists either way.
	PowerOn bool
}

// DeployFromOVA creates a new VM from bundle. Placement is randomized
// across the configured datastores (a datastore cluster name picks a
// random member) and the hosts not in maintenance mode. The new
// machine is returned once its disks have uploaded.
func (c *Client) DeployFromOVA(ctx context.Context, bundle *ova.Bundle, args DeployParams) (*object.VirtualMachine, error) {
	if args.MachineName == "" {
		return nil, errors.NotValidf("empty machine name")
	}
	if len(args.NetworkMappings) == 0 {
		return nil, errors.NotValidf("empty network mappings")
	}
	folder, err := c.FindFolder(ctx, args.Username)
	if err != nil {
		return nil, errors.Trace(err)
	}
	pools, err := c.ResourcePools(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	pool, ok := pools[c.cfg.ResourcePool]
	if !ok {
		return nil, errors.NotFoundf("resource pool %q", c.cfg.ResourcePool)
	}
	datastore, err := c.pickDatastore(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	host, err := c.pickHost(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	m := ovf.NewManager(c.client.Client)
	spec, err := m.CreateImportSpec(ctx, bundle.Descriptor(), pool, datastore, types.OvfCreateImportSpecParams{
		EntityName:       args.MachineName,
		NetworkMapping:   args.NetworkMappings,
		DiskProvisioning: string(types.OvfCreateImportSpecParamsDiskProvisioningTypeThin),
	})
	if err != nil {
		return nil, errors.Annotate(err, "creating import spec")
	}
	if len(spec.Error) > 0 {
		return nil, errors.Errorf("invalid import spec: %s", spec.Error[0].LocalizedMessage)
	}
	for _, warning := range spec.Warning {
		c.logger.Warningf("import spec warning: %s", warning.LocalizedMessage)
	}
	c.logger.Tracef("import spec: %s", pretty.Sprint(spec))

	lease, err := c.acquireDeployLease(ctx, pool, spec.ImportSpec, folder, host)
	if err != nil {
		return nil, errors.Trace(err)
	}
	info, err := c.leaseInfo(ctx, lease)
	if err != nil {
		return nil, errors.Trace(err)
	}
	hostName, err := host.ObjectName(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.logger.Debugf("uploading %q to host %q", args.MachineName, hostName)
	if err := bundle.Deploy(ctx, spec, c.newLeaseAdapter(lease, info.DeviceUrl), hostName); err != nil {
		return nil, errors.Trace(err)
	}

	vm, err := c.childVMNamed(ctx, folder, args.MachineName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if args.PowerOn {
		ok, err := c.Power(ctx, vm, PowerStateOn, 0)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !ok {
			c.logger.Warningf("%q deployed but did not power on in time", args.MachineName)
		}
	}
	return vm, nil
}

// pickDatastore chooses a random name from the configured datastores.
// A name matching a datastore cluster resolves to a random member of
// that cluster.
func (c *Client) pickDatastore(ctx context.Context) (*object.Datastore, error) {
	name := c.cfg.Datastores[rand.Intn(len(c.cfg.Datastores))]
	pods, err := c.StoragePods(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if pod, ok := pods[name]; ok {
		children, err := pod.Children(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		var members []*object.Datastore
		for _, child := range children {
			if ds, ok := child.(*object.Datastore); ok {
				members = append(members, ds)
			}
		}
		if len(members) == 0 {
			return nil, errors.NotFoundf("datastores in cluster %q", name)
		}
		return members[rand.Intn(len(members))], nil
	}
	datastores, err := c.Datastores(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ds, ok := datastores[name]
	if !ok {
		return nil, errors.NotFoundf("datastore %q", name)
	}
	return ds, nil
}

// pickHost chooses a random host that is not in maintenance mode.
func (c *Client) pickHost(ctx context.Context) (*object.HostSystem, error) {
	hosts, err := c.availableHosts(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(hosts) == 0 {
		return nil, errors.NotFoundf("host available for deployment")
	}
	return hosts[rand.Intn(len(hosts))], nil
}

// childVMNamed finds the machine with the given name directly inside
// folder. Deploys end with this lookup, so a miss means the import
// claimed success without producing a machine.
func (c *Client) childVMNamed(ctx context.Context, folder *object.Folder, name string) (*object.VirtualMachine, error) {
	children, err := folder.Children(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, child := range children {
		vm, ok := child.(*object.VirtualMachine)
		if !ok {
			continue
		}
		vmName, err := vm.ObjectName(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if vmName == name {
			return vm, nil
		}
	}
	return nil, errors.Errorf("machine %q not found in its folder after deploy", name)
}
