// Copyright 2026 vLab Contributors.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package vsphereclient

import (
	"archive/tar"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/ovf"
	"github.com/vmware/govmomi/vim25/types"
)

// MakeOVA exports vm as an OVA archive named ovaName (the VM's own
// name when empty) and returns the final path under templateDir,
// defaulting to the configured template directory. The machine is
// powered off first; disks stream through a temporary work directory
// that is removed afterwards.
func (c *Client) MakeOVA(ctx context.Context, vm *object.VirtualMachine, templateDir, ovaName string) (string, error) {
	if templateDir == "" {
		templateDir = c.cfg.TemplateDir
	}
	if ovaName == "" {
		name, err := vm.ObjectName(ctx)
		if err != nil {
			return "", errors.Trace(err)
		}
		ovaName = name
	}
	ok, err := c.Power(ctx, vm, PowerStateOff, 0)
	if err != nil {
		return "", errors.Trace(err)
	}
	if !ok {
		return "", errors.Errorf("unable to power off %q for export", ovaName)
	}

	lease, err := vm.Export(ctx)
	if err != nil {
		return "", errors.Annotate(err, "initiating export")
	}
	aborted := false
	abort := func() {
		if aborted {
			return
		}
		aborted = true
		if err := lease.Abort(context.Background(), nil); err != nil {
			c.logger.Warningf("aborting export lease: %v", err)
		}
	}
	if err := waitLease(ctx, c.clock, c.leasePoller(lease), exportLeasePolicy); err != nil {
		abort()
		return "", errors.Trace(err)
	}
	info, err := c.leaseInfo(ctx, lease)
	if err != nil {
		abort()
		return "", errors.Trace(err)
	}

	workdir, err := os.MkdirTemp("", "vsphereops-export-")
	if err != nil {
		abort()
		return "", errors.Trace(err)
	}
	defer os.RemoveAll(workdir)

	// The lease expires unless renewed while disks stream down.
	reporter := newProgressReporter(lease, 0, c.clock, c.logger)
	files, err := c.downloadDisks(ctx, info.DeviceUrl, workdir)
	if err != nil {
		reporter.abort()
		abort()
		return "", errors.Trace(err)
	}
	if err := reporter.Complete(ctx); err != nil {
		abort()
		return "", errors.Annotate(err, "completing export lease")
	}

	descriptor, err := c.exportDescriptor(ctx, vm, ovaName, files)
	if err != nil {
		return "", errors.Trace(err)
	}
	archive, err := packageOVA(workdir, ovaName, descriptor, files)
	if err != nil {
		return "", errors.Trace(err)
	}
	if err := os.MkdirAll(templateDir, 0755); err != nil {
		return "", errors.Trace(err)
	}
	final := filepath.Join(templateDir, ovaName+".ova")
	if err := moveFile(archive, final); err != nil {
		return "", errors.Trace(err)
	}
	c.logger.Debugf("exported %q to %q", ovaName, final)
	return final, nil
}

// downloadDisks fetches every disk device of an export lease into dir
// and returns the file entries the descriptor needs. Non-disk devices
// (NVRAM and the like) are skipped.
func (c *Client) downloadDisks(ctx context.Context, devices []types.HttpNfcLeaseDeviceUrl, dir string) ([]types.OvfFile, error) {
	var files []types.OvfFile
	for _, device := range devices {
		if device.Disk == nil || !*device.Disk {
			c.logger.Debugf("skipping non-disk device %q", device.Key)
			continue
		}
		file, err := c.downloadDevice(ctx, device, dir)
		if err != nil {
			return nil, errors.Annotatef(err, "downloading device %q", device.Key)
		}
		files = append(files, file)
	}
	if len(files) == 0 {
		return nil, errors.NotFoundf("disk devices on export lease")
	}
	return files, nil
}

func (c *Client) downloadDevice(ctx context.Context, device types.HttpNfcLeaseDeviceUrl, dir string) (types.OvfFile, error) {
	u, err := url.Parse(device.Url)
	if err != nil {
		return types.OvfFile{}, errors.Trace(err)
	}
	if u.Hostname() == "*" {
		u.Host = fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.port())
	}
	cookie, err := c.SessionCookie()
	if err != nil {
		return types.OvfFile{}, errors.Trace(err)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return types.OvfFile{}, errors.Trace(err)
	}
	req.AddCookie(cookie)
	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return types.OvfFile{}, errors.Trace(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return types.OvfFile{}, errors.Errorf("server returned status %d", resp.StatusCode)
	}

	name := device.TargetId
	if name == "" {
		name = path.Base(u.Path)
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return types.OvfFile{}, errors.Trace(err)
	}
	defer f.Close()
	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return types.OvfFile{}, errors.Trace(err)
	}
	c.logger.Debugf("downloaded %q (%s)", name, humanize.IBytes(uint64(n)))
	return types.OvfFile{
		DeviceId: device.Key,
		Path:     name,
		Size:     n,
	}, nil
}

// exportDescriptor asks vCenter to render the OVF descriptor matching
// the downloaded files.
func (c *Client) exportDescriptor(ctx context.Context, vm *object.VirtualMachine, name string, files []types.OvfFile) (string, error) {
	m := ovf.NewManager(c.client.Client)
	result, err := m.CreateDescriptor(ctx, vm, types.OvfCreateDescriptorParams{
		Name:     name,
		OvfFiles: files,
	})
	if err != nil {
		return "", errors.Annotate(err, "creating descriptor")
	}
	if len(result.Error) > 0 {
		return "", errors.Errorf("invalid descriptor: %s", result.Error[0].LocalizedMessage)
	}
	return result.OvfDescriptor, nil
}

// packageOVA writes <name>.ova in dir containing the descriptor as
// <name>.ovf followed by each disk file, in that order. The descriptor
// must come first; consumers read it before seeking the disks.
func packageOVA(dir, name, descriptor string, files []types.OvfFile) (string, error) {
	archivePath := filepath.Join(dir, name+".ova")
	archive, err := os.Create(archivePath)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer archive.Close()
	tw := tar.NewWriter(archive)

	if err := tw.WriteHeader(&tar.Header{
		Name: name + ".ovf",
		Mode: 0644,
		Size: int64(len(descriptor)),
	}); err != nil {
		return "", errors.Trace(err)
	}
	if _, err := io.WriteString(tw, descriptor); err != nil {
		return "", errors.Trace(err)
	}
	for _, file := range files {
		if err := appendFile(tw, dir, file); err != nil {
			return "", errors.Annotatef(err, "archiving %q", file.Path)
		}
	}
	if err := tw.Close(); err != nil {
		return "", errors.Trace(err)
	}
	return archivePath, nil
}

func appendFile(tw *tar.Writer, dir string, file types.OvfFile) error {
	f, err := os.Open(filepath.Join(dir, file.Path))
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	if err := tw.WriteHeader(&tar.Header{
		Name: file.Path,
		Mode: 0644,
		Size: file.Size,
	}); err != nil {
		return errors.Trace(err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// moveFile renames src to dst, copying when the rename crosses
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.Trace(err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Trace(err)
	}
	if err := out.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Remove(src))
}
