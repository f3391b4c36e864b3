// Copyright 2026 vLab Contributors.
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package ova reads OVA archives from local or remote locations and
// streams their disk images to vSphere HTTP NFC lease endpoints.
package ova

import (
	"archive/tar"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
)

const (
	// diskUploadContentType is what vSphere expects for streamed
	// monolithic-sparse VMDK payloads.
	diskUploadContentType = "application/x-vnd.vmware-streamVmdk"

	// chimeInterval is how often deploy progress is reported on the
	// lease to keep it from expiring mid-upload.
	chimeInterval = 5 * time.Second
)

// Lease is the subset of the vSphere HTTP NFC lease used while
// deploying. The vsphereclient package adapts the real lease to it;
// tests substitute fakes.
type Lease interface {
	// DeviceURLs returns the upload endpoints advertised by the lease.
	DeviceURLs() []types.HttpNfcLeaseDeviceUrl

	// Progress reports a whole percentage to the lease.
	Progress(ctx context.Context, percent int32) error

	// Complete marks the transfer finished.
	Complete(ctx context.Context) error

	// Abort cancels the transfer with the given fault.
	Abort(ctx context.Context, fault *types.LocalizedMethodFault) error

	// State returns the lease's current state.
	State(ctx context.Context) (types.HttpNfcLeaseState, error)
}

// Disk is a VMDK member of an archive. Reads stream straight from the
// archive source; each Disk keeps its own cursor so one upload does not
// disturb another.
type Disk struct {
	bundle     *Bundle
	name       string
	dataOffset int64
	size       int64
	pos        int64
}

// Name returns the member's path within the archive.
func (d *Disk) Name() string {
	return d.name
}

// Size returns the member's length in bytes.
func (d *Disk) Size() int64 {
	return d.size
}

// Read is part of the io.Reader interface.
func (d *Disk) Read(p []byte) (int, error) {
	d.bundle.mu.Lock()
	defer d.bundle.mu.Unlock()
	if d.pos >= d.size {
		return 0, io.EOF
	}
	if _, err := d.bundle.source.Seek(d.dataOffset+d.pos, io.SeekStart); err != nil {
		return 0, errors.Trace(err)
	}
	want := int64(len(p))
	if remaining := d.size - d.pos; want > remaining {
		want = remaining
	}
	n, err := d.bundle.source.Read(p[:want])
	d.pos += int64(n)
	return n, err
}

// Seek is part of the io.Seeker interface.
func (d *Disk) Seek(offset int64, whence int) (int64, error) {
	d.bundle.mu.Lock()
	defer d.bundle.mu.Unlock()
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = d.pos + offset
	case io.SeekEnd:
		abs = d.size + offset
	default:
		return 0, errors.NotValidf("whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.NotValidf("negative offset %d", abs)
	}
	d.pos = abs
	return abs, nil
}

// Bundle is an open OVA archive: an in-memory OVF descriptor plus
// lazily-streamed disk members.
type Bundle struct {
	source     Source
	descriptor string
	disks      []*Disk
	logger     loggo.Logger
	clock      clock.Clock
	httpClient *http.Client

	mu    sync.Mutex
	spec  *types.OvfCreateImportSpecResult
	lease Lease
	host  string
	prog  int
}

// Option configures a Bundle at Open time.
type Option func(*Bundle)

// WithLogger overrides the bundle's logger.
func WithLogger(logger loggo.Logger) Option {
	return func(b *Bundle) { b.logger = logger }
}

// WithClock overrides the clock driving the progress chimer.
func WithClock(clk clock.Clock) Option {
	return func(b *Bundle) { b.clock = clk }
}

// WithHTTPClient overrides the HTTP client used for remote sources and
// disk uploads.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Bundle) { b.httpClient = client }
}

// Open opens the OVA at pathOrURL. A path that exists on the local
// filesystem is read directly; anything else is treated as a URL. The
// archive's members are indexed up front, reading only the OVF
// descriptor into memory.
func Open(pathOrURL string, opts ...Option) (*Bundle, error) {
	b := &Bundle{
		logger: loggo.GetLogger("vsphereops.ova"),
		clock:  clock.WallClock,
		httpClient: &http.Client{
			// Lease device URLs present host certificates that are
			// almost never in the local trust store.
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		prog: -1,
	}
	for _, opt := range opts {
		opt(b)
	}
	var err error
	if _, statErr := os.Stat(pathOrURL); statErr == nil {
		b.source, err = NewFileSource(pathOrURL)
	} else {
		b.source, err = NewWebSource(pathOrURL, b.httpClient)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := b.index(); err != nil {
		b.source.Close()
		return nil, errors.Trace(err)
	}
	return b, nil
}

// index walks the tar stream once, recording where each VMDK member's
// data starts and loading the OVF descriptor. The tar reader seeks past
// member data rather than reading it, so indexing a remote archive
// transfers only headers and the descriptor.
func (b *Bundle) index() error {
	tr := tar.NewReader(b.source)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Annotate(err, "reading archive")
		}
		switch {
		case strings.HasSuffix(hdr.Name, ".vmdk"):
			offset, err := b.source.Seek(0, io.SeekCurrent)
			if err != nil {
				return errors.Trace(err)
			}
			b.disks = append(b.disks, &Disk{
				bundle:     b,
				name:       hdr.Name,
				dataOffset: offset,
				size:       hdr.Size,
			})
		case strings.HasSuffix(hdr.Name, ".ovf"):
			data, err := io.ReadAll(tr)
			if err != nil {
				return errors.Annotatef(err, "reading descriptor %q", hdr.Name)
			}
			b.descriptor = string(data)
		}
	}
	if b.descriptor == "" {
		return errors.NotValidf("archive without an OVF descriptor")
	}
	return nil
}

// Close releases the underlying source. A closed Bundle cannot deploy.
func (b *Bundle) Close() error {
	return b.source.Close()
}

// Descriptor returns the OVF XML describing the appliance.
func (b *Bundle) Descriptor() string {
	return b.descriptor
}

var networkNamePattern = regexp.MustCompile(`Network ovf:name=[\w "]{1,50}`)

// NetworkNames returns the network names the descriptor declares, in
// document order. Vendor OVFs are frequently malformed, so this is a
// permissive textual match rather than an XML parse.
func (b *Bundle) NetworkNames() []string {
	var names []string
	for _, m := range networkNamePattern.FindAllString(b.descriptor, -1) {
		_, value, _ := strings.Cut(m, "=")
		names = append(names, strings.ReplaceAll(value, `"`, ""))
	}
	return names
}

// DiskNames returns the archive's VMDK member names in archive order.
func (b *Bundle) DiskNames() []string {
	names := make([]string, len(b.disks))
	for i, d := range b.disks {
		names[i] = d.name
	}
	return names
}

// Disks returns the archive's VMDK members in archive order.
func (b *Bundle) Disks() []*Disk {
	return append([]*Disk(nil), b.disks...)
}

// DeployProgress returns the whole-percentage progress of the deploy in
// flight, or -1 when none has started.
func (b *Bundle) DeployProgress() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prog
}

// Deploy streams the archive's disks to the lease's device URLs,
// matching each file item in the import spec to a disk by path. Items
// with no matching disk are skipped. The lease is kept alive with
// periodic progress reports while uploads run, completed on success and
// aborted on failure. Whatever happens, the bundle's disk cursors are
// rewound so it can be deployed again.
func (b *Bundle) Deploy(ctx context.Context, spec *types.OvfCreateImportSpecResult, lease Lease, host string) error {
	b.mu.Lock()
	b.spec = spec
	b.lease = lease
	b.host = host
	b.prog = 0
	b.mu.Unlock()
	defer b.reset()

	stop := make(chan struct{})
	chimeDone := make(chan struct{})
	go b.chime(ctx, lease, stop, chimeDone)
	defer func() {
		close(stop)
		<-chimeDone
	}()

	err := func() error {
		for _, item := range spec.FileItem {
			if err := b.uploadItem(ctx, item, lease, host); err != nil {
				return errors.Trace(err)
			}
		}
		if err := lease.Progress(ctx, 100); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(lease.Complete(ctx))
	}()
	if err == nil {
		return nil
	}

	fault := vimFault(err)
	if fault == nil {
		fault = &types.SystemError{Reason: err.Error()}
	}
	abortCtx := ctx
	if abortCtx.Err() != nil {
		abortCtx = context.Background()
	}
	if abortErr := lease.Abort(abortCtx, localizedFault(fault, err.Error())); abortErr != nil {
		b.logger.Errorf("aborting lease: %v", abortErr)
	}
	return errors.Trace(err)
}

func (b *Bundle) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spec = nil
	b.lease = nil
	b.host = ""
	b.prog = -1
	for _, d := range b.disks {
		d.pos = 0
	}
}

func (b *Bundle) diskByPath(path string) *Disk {
	for _, d := range b.disks {
		if d.name == path {
			return d
		}
	}
	return nil
}

func (b *Bundle) uploadItem(ctx context.Context, item types.OvfFileItem, lease Lease, host string) error {
	disk := b.diskByPath(item.Path)
	if disk == nil {
		// Manifest and certificate items have no disk to stream.
		b.logger.Debugf("no archive member for item %q, skipping", item.Path)
		return nil
	}
	u, err := deviceURL(lease, item, host)
	if err != nil {
		return errors.Trace(err)
	}
	size, err := transferSize(disk)
	if err != nil {
		return errors.Trace(err)
	}
	b.logger.Debugf("uploading %q (%d bytes) to %q", disk.Name(), size, u)

	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), disk)
	if err != nil {
		return errors.Trace(err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", diskUploadContentType)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return errors.Annotatef(err, "uploading %q", disk.Name())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errors.Errorf("uploading %q: server returned status %d", disk.Name(), resp.StatusCode)
	}
	return nil
}

// deviceURL finds the lease upload endpoint whose import key matches
// the file item's device id. A "*" host in the advertised URL stands
// for the server the lease was acquired from.
func deviceURL(lease Lease, item types.OvfFileItem, host string) (*url.URL, error) {
	for _, device := range lease.DeviceURLs() {
		if device.ImportKey != item.DeviceId {
			continue
		}
		u, err := url.Parse(device.Url)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if u.Hostname() == "*" && host != "" {
			u.Host = strings.Replace(u.Host, "*", host, 1)
		}
		return u, nil
	}
	return nil, errors.Errorf("no device URL for file %q", item.Path)
}

// transferSize reports the exact byte count an upload will carry, for
// the Content-Length header. Readers that know their size are asked;
// anything else seekable is measured end-to-end and rewound.
func transferSize(r io.Reader) (int64, error) {
	if s, ok := r.(interface{ Size() int64 }); ok {
		return s.Size(), nil
	}
	seeker, ok := r.(io.Seeker)
	if !ok {
		return 0, errors.NotSupportedf("sizing unseekable reader")
	}
	size, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return 0, errors.Trace(err)
	}
	return size, nil
}

// chime reports the source's read progress on the lease every
// chimeInterval until the deploy finishes or the lease reaches a
// terminal state. A ManagedObjectNotFound from the final report is a
// benign race with lease completion.
func (b *Bundle) chime(ctx context.Context, lease Lease, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-b.clock.After(chimeInterval):
		}

		b.mu.Lock()
		prog := b.source.Progress()
		b.mu.Unlock()

		if err := lease.Progress(ctx, int32(prog)); err != nil {
			if isManagedObjectNotFound(err) {
				return
			}
			b.logger.Errorf("lease keepalive failed: %v", err)
			fault := &types.SystemError{Reason: "lease keepalive failure: " + err.Error()}
			if abortErr := lease.Abort(ctx, localizedFault(fault, err.Error())); abortErr != nil {
				b.logger.Errorf("aborting lease: %v", abortErr)
			}
			return
		}

		b.mu.Lock()
		b.prog = prog
		b.mu.Unlock()

		state, err := lease.State(ctx)
		if err != nil {
			b.logger.Warningf("reading lease state: %v", err)
			return
		}
		if state == types.HttpNfcLeaseStateDone || state == types.HttpNfcLeaseStateError {
			return
		}
	}
}

func localizedFault(fault types.BaseMethodFault, message string) *types.LocalizedMethodFault {
	return &types.LocalizedMethodFault{
		Fault:            fault,
		LocalizedMessage: message,
	}
}

// vimFault extracts the vSphere fault from an error, if it carries one.
func vimFault(err error) types.BaseMethodFault {
	err = errors.Cause(err)
	if f, ok := err.(types.HasFault); ok {
		return f.Fault()
	}
	if soap.IsSoapFault(err) {
		if f, ok := soap.ToSoapFault(err).VimFault().(types.BaseMethodFault); ok {
			return f
		}
	}
	return nil
}

func isManagedObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	err = errors.Cause(err)
	if f, ok := err.(types.HasFault); ok {
		switch f.Fault().(type) {
		case *types.ManagedObjectNotFound:
			return true
		}
	}
	if soap.IsSoapFault(err) {
		switch soap.ToSoapFault(err).VimFault().(type) {
		case types.ManagedObjectNotFound:
			return true
		}
	}
	return false
}
