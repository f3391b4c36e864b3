// Copyright 2026 vLab Contributors.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package vsphereclient deploys, exports and manipulates virtual
// machines on a vCenter server. It is the library layer that lab
// provisioning workers call synchronously; job queues and HTTP live
// elsewhere.
package vsphereclient

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
)

const sessionCookieName = "vmware_soap_session"

// Client encapsulates a vCenter session and the placement
// configuration used when deploying and exporting VMs.
type Client struct {
	client *govmomi.Client
	cfg    Config
	logger loggo.Logger
	clock  clock.Clock

	processManager func(ctx context.Context, vm *object.VirtualMachine) (guestProcessManager, error)

	// netMu guards netCache. Network topology is assumed stable for
	// the life of one Client; construct a new Client for a fresh view.
	netMu    sync.Mutex
	netCache map[string]object.NetworkReference
}

// Dial dials a new vCenter connection using the given configuration.
// The resulting Client's Close method must be called in order to
// release the server-side session.
func Dial(ctx context.Context, cfg Config, logger loggo.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	client, err := govmomi.NewClient(ctx, cfg.url(), cfg.Insecure)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c := &Client{
		client: client,
		cfg:    cfg,
		logger: logger,
		clock:  clock.WallClock,
	}
	c.processManager = c.guestProcessManager
	return c, nil
}

// Close logs out and closes the client connection.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Logout(ctx)
}

func (c *Client) pc() *property.Collector {
	return property.DefaultCollector(c.client.Client)
}

// retrieveByType collects all objects of the given kind below root,
// fetching only the named properties. dst must be a pointer to a slice
// of the matching mo type.
func (c *Client) retrieveByType(
	ctx context.Context,
	root types.ManagedObjectReference,
	kind string,
	props []string,
	dst interface{},
) error {
	m := view.NewManager(c.client.Client)
	v, err := m.CreateContainerView(ctx, root, []string{kind}, true)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := v.Destroy(ctx); err != nil {
			c.logger.Warningf("destroying container view: %v", err)
		}
	}()
	if err := v.Retrieve(ctx, []string{kind}, props, dst); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (c *Client) rootFolder() types.ManagedObjectReference {
	return c.client.ServiceContent.RootFolder
}

// Datacenters returns all datacenters by name.
func (c *Client) Datacenters(ctx context.Context) (map[string]*object.Datacenter, error) {
	var dcs []mo.Datacenter
	if err := c.retrieveByType(ctx, c.rootFolder(), "Datacenter", []string{"name"}, &dcs); err != nil {
		return nil, errors.Annotate(err, "listing datacenters")
	}
	result := make(map[string]*object.Datacenter)
	for _, dc := range dcs {
		result[dc.Name] = object.NewDatacenter(c.client.Client, dc.Reference())
	}
	return result, nil
}

// ResourcePools returns all resource pools by name. Each compute
// resource's root pool also appears under the compute resource's own
// name, which is usually the friendlier handle.
func (c *Client) ResourcePools(ctx context.Context) (map[string]*object.ResourcePool, error) {
	var pools []mo.ResourcePool
	if err := c.retrieveByType(ctx, c.rootFolder(), "ResourcePool", []string{"name"}, &pools); err != nil {
		return nil, errors.Annotate(err, "listing resource pools")
	}
	result := make(map[string]*object.ResourcePool)
	for _, pool := range pools {
		result[pool.Name] = object.NewResourcePool(c.client.Client, pool.Reference())
	}
	var crs []mo.ComputeResource
	if err := c.retrieveByType(ctx, c.rootFolder(), "ComputeResource", []string{"name", "resourcePool"}, &crs); err != nil {
		return nil, errors.Annotate(err, "listing compute resources")
	}
	for _, cr := range crs {
		if cr.ResourcePool == nil {
			continue
		}
		result[cr.Name] = object.NewResourcePool(c.client.Client, *cr.ResourcePool)
	}
	return result, nil
}

// Datastores returns all datastores by name.
func (c *Client) Datastores(ctx context.Context) (map[string]*object.Datastore, error) {
	var dss []mo.Datastore
	if err := c.retrieveByType(ctx, c.rootFolder(), "Datastore", []string{"name"}, &dss); err != nil {
		return nil, errors.Annotate(err, "listing datastores")
	}
	result := make(map[string]*object.Datastore)
	for _, ds := range dss {
		result[ds.Name] = object.NewDatastore(c.client.Client, ds.Reference())
	}
	return result, nil
}

// StoragePods returns all datastore clusters by name.
func (c *Client) StoragePods(ctx context.Context) (map[string]*object.StoragePod, error) {
	var pods []mo.StoragePod
	if err := c.retrieveByType(ctx, c.rootFolder(), "StoragePod", []string{"name"}, &pods); err != nil {
		return nil, errors.Annotate(err, "listing datastore clusters")
	}
	result := make(map[string]*object.StoragePod)
	for _, pod := range pods {
		result[pod.Name] = object.NewStoragePod(c.client.Client, pod.Reference())
	}
	return result, nil
}

// HostSystems returns all ESXi hosts by name.
func (c *Client) HostSystems(ctx context.Context) (map[string]*object.HostSystem, error) {
	var hosts []mo.HostSystem
	if err := c.retrieveByType(ctx, c.rootFolder(), "HostSystem", []string{"name"}, &hosts); err != nil {
		return nil, errors.Annotate(err, "listing hosts")
	}
	result := make(map[string]*object.HostSystem)
	for _, host := range hosts {
		result[host.Name] = object.NewHostSystem(c.client.Client, host.Reference())
	}
	return result, nil
}

// availableHosts returns the hosts not currently in maintenance mode.
func (c *Client) availableHosts(ctx context.Context) ([]*object.HostSystem, error) {
	var hosts []mo.HostSystem
	props := []string{"name", "runtime.inMaintenanceMode"}
	if err := c.retrieveByType(ctx, c.rootFolder(), "HostSystem", props, &hosts); err != nil {
		return nil, errors.Annotate(err, "listing hosts")
	}
	var result []*object.HostSystem
	for _, host := range hosts {
		if host.Runtime.InMaintenanceMode {
			c.logger.Debugf("host %q is in maintenance mode, skipping", host.Name)
			continue
		}
		result = append(result, object.NewHostSystem(c.client.Client, host.Reference()))
	}
	return result, nil
}

// Networks returns all networks by name. The scan is expensive on a
// large inventory and network topology rarely changes, so the result
// is cached for the life of the Client.
func (c *Client) Networks(ctx context.Context) (map[string]object.NetworkReference, error) {
	c.netMu.Lock()
	defer c.netMu.Unlock()
	if c.netCache != nil {
		return c.netCache, nil
	}
	var nets []mo.Network
	if err := c.retrieveByType(ctx, c.rootFolder(), "Network", []string{"name"}, &nets); err != nil {
		return nil, errors.Annotate(err, "listing networks")
	}
	result := make(map[string]object.NetworkReference)
	for _, net := range nets {
		if ref, ok := object.NewReference(c.client.Client, net.Reference()).(object.NetworkReference); ok {
			result[net.Name] = ref
		}
	}
	c.netCache = result
	return result, nil
}

// DVSwitches returns all distributed virtual switches by name.
func (c *Client) DVSwitches(ctx context.Context) (map[string]*object.DistributedVirtualSwitch, error) {
	var switches []mo.DistributedVirtualSwitch
	if err := c.retrieveByType(ctx, c.rootFolder(), "DistributedVirtualSwitch", []string{"name"}, &switches); err != nil {
		return nil, errors.Annotate(err, "listing distributed virtual switches")
	}
	result := make(map[string]*object.DistributedVirtualSwitch)
	for _, dvs := range switches {
		result[dvs.Name] = object.NewDistributedVirtualSwitch(c.client.Client, dvs.Reference())
	}
	return result, nil
}

func (c *Client) datacenterNamed(ctx context.Context, name string) (*object.Datacenter, error) {
	finder := find.NewFinder(c.client.Client, true)
	var (
		dc  *object.Datacenter
		err error
	)
	if name == "" {
		dc, err = finder.DefaultDatacenter(ctx)
	} else {
		dc, err = finder.Datacenter(ctx, name)
	}
	if err != nil {
		if _, ok := err.(*find.NotFoundError); ok {
			return nil, errors.NotFoundf("datacenter %q", name)
		}
		return nil, errors.Trace(err)
	}
	return dc, nil
}

// folderChildNamed looks for an immediate child folder of parent with
// the given name.
func (c *Client) folderChildNamed(ctx context.Context, parent *object.Folder, name string) (*object.Folder, error) {
	children, err := parent.Children(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, child := range children {
		folder, ok := child.(*object.Folder)
		if !ok {
			continue
		}
		childName, err := folder.ObjectName(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if childName == name {
			return folder, nil
		}
	}
	return nil, errors.NotFoundf("folder %q", name)
}

// GetVMFolder walks path from the datacenter's VM folder root and
// returns the folder it names. The path is always treated as absolute
// from the datacenter root; BaseFolder is not applied. An empty
// datacenter name means the first datacenter found.
func (c *Client) GetVMFolder(ctx context.Context, path, datacenter string) (*object.Folder, error) {
	dc, err := c.datacenterNamed(ctx, datacenter)
	if err != nil {
		return nil, errors.Trace(err)
	}
	folders, err := dc.Folders(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	current := folders.VmFolder
	for _, name := range splitFolderPath(path) {
		current, err = c.folderChildNamed(ctx, current, name)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil, errors.NotFoundf("folder %q in path %q", name, path)
			}
			return nil, errors.Trace(err)
		}
	}
	return current, nil
}

// CreateVMFolder creates every missing folder in path under the
// datacenter's VM folder root and returns the innermost one. Folders
// that already exist are reused, including ones created concurrently.
func (c *Client) CreateVMFolder(ctx context.Context, path, datacenter string) (*object.Folder, error) {
	dc, err := c.datacenterNamed(ctx, datacenter)
	if err != nil {
		return nil, errors.Trace(err)
	}
	folders, err := dc.Folders(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	current := folders.VmFolder
	for _, name := range splitFolderPath(path) {
		next, err := c.folderChildNamed(ctx, current, name)
		if err == nil {
			current = next
			continue
		}
		if !errors.IsNotFound(err) {
			return nil, errors.Trace(err)
		}
		next, err = current.CreateFolder(ctx, name)
		if err != nil {
			if soap.IsSoapFault(err) {
				switch soap.ToSoapFault(err).VimFault().(type) {
				case types.DuplicateName:
					// Lost a race with another creator.
					next, err = c.folderChildNamed(ctx, current, name)
					if err != nil {
						return nil, errors.Trace(err)
					}
					current = next
					continue
				}
			}
			return nil, errors.Annotatef(err, "creating folder %q", name)
		}
		current = next
	}
	return current, nil
}

// FindFolder looks up a folder by name underneath the configured base
// directory of the configured datacenter.
func (c *Client) FindFolder(ctx context.Context, name string) (*object.Folder, error) {
	base, err := c.GetVMFolder(ctx, c.cfg.BaseFolder, c.cfg.Datacenter)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var folders []mo.Folder
	if err := c.retrieveByType(ctx, base.Reference(), "Folder", []string{"name"}, &folders); err != nil {
		return nil, errors.Annotate(err, "listing folders")
	}
	for _, folder := range folders {
		if folder.Name == name {
			return object.NewFolder(c.client.Client, folder.Reference()), nil
		}
	}
	return nil, errors.NotFoundf("folder %q", name)
}

// SessionCookie returns the SOAP session cookie, used to authenticate
// side-channel HTTP transfers such as export downloads.
func (c *Client) SessionCookie() (*http.Cookie, error) {
	jar := c.client.Client.Jar
	if jar == nil {
		return nil, errors.NotFoundf("session cookie")
	}
	for _, cookie := range jar.Cookies(c.client.Client.URL()) {
		if cookie.Name == sessionCookieName {
			return cookie, nil
		}
	}
	return nil, errors.NotFoundf("session cookie")
}

func splitFolderPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
