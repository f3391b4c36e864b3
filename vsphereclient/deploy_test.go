// Copyright 2026 vLab Contributors.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package vsphereclient

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/simulator"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/types"
	gc "gopkg.in/check.v1"
)

type deploySuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&deploySuite{})

func (s *deploySuite) TestDeployEmptyMachineName(c *gc.C) {
	client := &Client{}
	_, err := client.DeployFromOVA(context.Background(), nil, DeployParams{
		NetworkMappings: []types.OvfNetworkMapping{{Name: "frontend"}},
	})
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
	c.Assert(err, gc.ErrorMatches, "empty machine name not valid")
}

func (s *deploySuite) TestDeployEmptyNetworkMappings(c *gc.C) {
	// Validation happens before any inventory calls; a nil connection
	// proves nothing remote was touched.
	client := &Client{}
	_, err := client.DeployFromOVA(context.Background(), nil, DeployParams{
		MachineName: "myVM",
	})
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
	c.Assert(err, gc.ErrorMatches, "empty network mappings not valid")
}

func (s *deploySuite) TestDeployUnknownOwnerFolder(c *gc.C) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		client := simClient(vc, validConfig())
		_, err := client.DeployFromOVA(ctx, nil, DeployParams{
			MachineName:     "myVM",
			Username:        "nobody",
			NetworkMappings: []types.OvfNetworkMapping{{Name: "frontend"}},
		})
		c.Assert(err, jc.Satisfies, errors.IsNotFound)
	})
}

func (s *deploySuite) TestPickDatastoreByName(c *gc.C) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		cfg := validConfig()
		cfg.Datastores = []string{"LocalDS_0"}
		client := simClient(vc, cfg)
		ds, err := client.pickDatastore(ctx)
		c.Assert(err, jc.ErrorIsNil)
		name, err := ds.ObjectName(ctx)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(name, gc.Equals, "LocalDS_0")
	})
}

func (s *deploySuite) TestPickDatastoreUnknown(c *gc.C) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		cfg := validConfig()
		cfg.Datastores = []string{"no-such-datastore"}
		client := simClient(vc, cfg)
		_, err := client.pickDatastore(ctx)
		c.Assert(err, jc.Satisfies, errors.IsNotFound)
	})
}

func (s *deploySuite) TestPickHostSkipsMaintenance(c *gc.C) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		client := simClient(vc, validConfig())
		all, err := client.HostSystems(ctx)
		c.Assert(err, jc.ErrorIsNil)

		var spared types.ManagedObjectReference
		remaining := len(all)
		for _, ref := range simulator.Map.AllReference("HostSystem") {
			if remaining == 1 {
				spared = ref.Reference()
				break
			}
			host := simulator.Map.Get(ref.Reference()).(*simulator.HostSystem)
			host.Runtime.InMaintenanceMode = true
			remaining--
		}

		host, err := client.pickHost(ctx)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(host.Reference(), gc.Equals, spared)
	})
}

func (s *deploySuite) TestPickHostNoneAvailable(c *gc.C) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		client := simClient(vc, validConfig())
		for _, ref := range simulator.Map.AllReference("HostSystem") {
			host := simulator.Map.Get(ref.Reference()).(*simulator.HostSystem)
			host.Runtime.InMaintenanceMode = true
		}
		_, err := client.pickHost(ctx)
		c.Assert(err, jc.Satisfies, errors.IsNotFound)
	})
}

func (s *deploySuite) TestChildVMNamed(c *gc.C) {
	simulator.Test(func(ctx context.Context, vc *vim25.Client) {
		client := simClient(vc, validConfig())
		finder := find.NewFinder(vc, true)
		dc, err := finder.DefaultDatacenter(ctx)
		c.Assert(err, jc.ErrorIsNil)
		folders, err := dc.Folders(ctx)
		c.Assert(err, jc.ErrorIsNil)

		vm, err := client.childVMNamed(ctx, folders.VmFolder, "DC0_H0_VM0")
		c.Assert(err, jc.ErrorIsNil)
		name, err := vm.ObjectName(ctx)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(name, gc.Equals, "DC0_H0_VM0")

		_, err = client.childVMNamed(ctx, folders.VmFolder, "no-such-vm")
		c.Assert(err, gc.ErrorMatches, `machine "no-such-vm" not found in its folder after deploy`)
	})
}
