// Copyright 2026 vLab Contributors.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ova

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/vmware/govmomi/task"
	"github.com/vmware/govmomi/vim25/types"
	gc "gopkg.in/check.v1"
)

const testDescriptor = `<?xml version="1.0"?>
<Envelope xmlns:ovf="http://schemas.dmtf.org/ovf/envelope/1">
  <NetworkSection>
    <Network ovf:name="frontend net"/>
    <Network ovf:name="backend"/>
  </NetworkSection>
</Envelope>
`

type tarMember struct {
	name string
	data []byte
}

func makeOVA(c *gc.C, members ...tarMember) string {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, m := range members {
		err := tw.WriteHeader(&tar.Header{
			Name: m.name,
			Mode: 0644,
			Size: int64(len(m.data)),
		})
		c.Assert(err, jc.ErrorIsNil)
		_, err = tw.Write(m.data)
		c.Assert(err, jc.ErrorIsNil)
	}
	c.Assert(tw.Close(), jc.ErrorIsNil)

	path := filepath.Join(c.MkDir(), "appliance.ova")
	err := os.WriteFile(path, buf.Bytes(), 0644)
	c.Assert(err, jc.ErrorIsNil)
	return path
}

func defaultMembers() []tarMember {
	return []tarMember{
		{"appliance.ovf", []byte(testDescriptor)},
		{"disk1.vmdk", []byte("first disk contents")},
		{"disk2.vmdk", []byte("second disk")},
	}
}

type fakeLease struct {
	mu          sync.Mutex
	devices     []types.HttpNfcLeaseDeviceUrl
	state       types.HttpNfcLeaseState
	progress    []int32
	progressErr error
	completed   bool
	completeErr error
	aborted     *types.LocalizedMethodFault
}

func (l *fakeLease) DeviceURLs() []types.HttpNfcLeaseDeviceUrl {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.devices
}

func (l *fakeLease) Progress(ctx context.Context, percent int32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.progressErr != nil {
		return l.progressErr
	}
	l.progress = append(l.progress, percent)
	return nil
}

func (l *fakeLease) Complete(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.completeErr != nil {
		return l.completeErr
	}
	l.completed = true
	return nil
}

func (l *fakeLease) Abort(ctx context.Context, fault *types.LocalizedMethodFault) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.aborted = fault
	return nil
}

func (l *fakeLease) State(ctx context.Context) (types.HttpNfcLeaseState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, nil
}

func (l *fakeLease) setState(state types.HttpNfcLeaseState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
}

func (l *fakeLease) progressReports() []int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int32(nil), l.progress...)
}

type upload struct {
	path          string
	contentType   string
	contentLength int64
	body          []byte
}

// uploadRecorder is an HTTP endpoint standing in for lease device URLs.
type uploadRecorder struct {
	mu      sync.Mutex
	status  int
	uploads []upload
}

func (u *uploadRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.uploads = append(u.uploads, upload{
		path:          r.URL.Path,
		contentType:   r.Header.Get("Content-Type"),
		contentLength: r.ContentLength,
		body:          body,
	})
	status := u.status
	u.mu.Unlock()
	if status == 0 {
		status = http.StatusCreated
	}
	w.WriteHeader(status)
}

type bundleSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&bundleSuite{})

func (s *bundleSuite) TestOpenLocal(c *gc.C) {
	b, err := Open(makeOVA(c, defaultMembers()...))
	c.Assert(err, jc.ErrorIsNil)
	defer b.Close()

	c.Assert(b.Descriptor(), gc.Equals, testDescriptor)
	c.Assert(b.DiskNames(), jc.DeepEquals, []string{"disk1.vmdk", "disk2.vmdk"})
	c.Assert(b.NetworkNames(), jc.DeepEquals, []string{"frontend net", "backend"})
	c.Assert(b.DeployProgress(), gc.Equals, -1)
}

func (s *bundleSuite) TestOpenMissingDescriptor(c *gc.C) {
	path := makeOVA(c, tarMember{"disk1.vmdk", []byte("contents")})
	_, err := Open(path)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *bundleSuite) TestOpenRemote(c *gc.C) {
	path := makeOVA(c, defaultMembers()...)
	data, err := os.ReadFile(path)
	c.Assert(err, jc.ErrorIsNil)

	handler := &rangedHandler{content: data}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	b, err := Open(srv.URL + "/appliance.ova")
	c.Assert(err, jc.ErrorIsNil)
	defer b.Close()

	c.Assert(b.DiskNames(), jc.DeepEquals, []string{"disk1.vmdk", "disk2.vmdk"})

	disk := b.Disks()[0]
	content, err := io.ReadAll(disk)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(content), gc.Equals, "first disk contents")
}

func (s *bundleSuite) TestDiskCursorsIndependent(c *gc.C) {
	b, err := Open(makeOVA(c, defaultMembers()...))
	c.Assert(err, jc.ErrorIsNil)
	defer b.Close()

	disks := b.Disks()
	buf := make([]byte, 5)
	n, err := disks[0].Read(buf)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(buf[:n]), gc.Equals, "first")

	content, err := io.ReadAll(disks[1])
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(content), gc.Equals, "second disk")

	// The first disk's cursor is where we left it.
	n, err = disks[0].Read(buf)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(buf[:n]), gc.Equals, " disk")
}

func (s *bundleSuite) deploySpec(srvURL string) *types.OvfCreateImportSpecResult {
	return &types.OvfCreateImportSpecResult{
		FileItem: []types.OvfFileItem{
			{DeviceId: "disk-0", Path: "disk1.vmdk"},
			{DeviceId: "disk-1", Path: "disk2.vmdk"},
		},
	}
}

func deviceURLsFor(srvURL string) []types.HttpNfcLeaseDeviceUrl {
	return []types.HttpNfcLeaseDeviceUrl{
		{ImportKey: "disk-0", Url: srvURL + "/upload/disk-0"},
		{ImportKey: "disk-1", Url: srvURL + "/upload/disk-1"},
	}
}

func (s *bundleSuite) TestDeploy(c *gc.C) {
	recorder := &uploadRecorder{}
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	b, err := Open(makeOVA(c, defaultMembers()...))
	c.Assert(err, jc.ErrorIsNil)
	defer b.Close()

	lease := &fakeLease{devices: deviceURLsFor(srv.URL)}
	err = b.Deploy(context.Background(), s.deploySpec(srv.URL), lease, "vcenter.example.com")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(recorder.uploads, gc.HasLen, 2)
	c.Assert(recorder.uploads[0].path, gc.Equals, "/upload/disk-0")
	c.Assert(string(recorder.uploads[0].body), gc.Equals, "first disk contents")
	c.Assert(recorder.uploads[0].contentType, gc.Equals, "application/x-vnd.vmware-streamVmdk")
	c.Assert(recorder.uploads[0].contentLength, gc.Equals, int64(len("first disk contents")))
	c.Assert(string(recorder.uploads[1].body), gc.Equals, "second disk")

	c.Assert(lease.progressReports(), jc.DeepEquals, []int32{100})
	c.Assert(lease.completed, jc.IsTrue)
	c.Assert(lease.aborted, gc.IsNil)
	c.Assert(b.DeployProgress(), gc.Equals, -1)
}

func (s *bundleSuite) TestDeployRewindsDisks(c *gc.C) {
	recorder := &uploadRecorder{}
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	b, err := Open(makeOVA(c, defaultMembers()...))
	c.Assert(err, jc.ErrorIsNil)
	defer b.Close()

	spec := s.deploySpec(srv.URL)
	for i := 0; i < 2; i++ {
		lease := &fakeLease{devices: deviceURLsFor(srv.URL)}
		err = b.Deploy(context.Background(), spec, lease, "vcenter.example.com")
		c.Assert(err, jc.ErrorIsNil)
	}

	c.Assert(recorder.uploads, gc.HasLen, 4)
	c.Assert(string(recorder.uploads[0].body), gc.Equals, string(recorder.uploads[2].body))
	c.Assert(string(recorder.uploads[1].body), gc.Equals, string(recorder.uploads[3].body))
}

func (s *bundleSuite) TestDeploySkipsUnmatchedItems(c *gc.C) {
	recorder := &uploadRecorder{}
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	b, err := Open(makeOVA(c, defaultMembers()...))
	c.Assert(err, jc.ErrorIsNil)
	defer b.Close()

	spec := &types.OvfCreateImportSpecResult{
		FileItem: []types.OvfFileItem{
			{DeviceId: "file-9", Path: "appliance.mf"},
			{DeviceId: "disk-0", Path: "disk1.vmdk"},
		},
	}
	lease := &fakeLease{devices: deviceURLsFor(srv.URL)}
	err = b.Deploy(context.Background(), spec, lease, "vcenter.example.com")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(recorder.uploads, gc.HasLen, 1)
	c.Assert(recorder.uploads[0].path, gc.Equals, "/upload/disk-0")
}

func (s *bundleSuite) TestDeployNoDeviceURL(c *gc.C) {
	b, err := Open(makeOVA(c, defaultMembers()...))
	c.Assert(err, jc.ErrorIsNil)
	defer b.Close()

	spec := &types.OvfCreateImportSpecResult{
		FileItem: []types.OvfFileItem{
			{DeviceId: "disk-0", Path: "disk1.vmdk"},
		},
	}
	lease := &fakeLease{}
	err = b.Deploy(context.Background(), spec, lease, "vcenter.example.com")
	c.Assert(err, gc.ErrorMatches, `no device URL for file "disk1.vmdk"`)

	c.Assert(lease.aborted, gc.NotNil)
	c.Assert(lease.aborted.Fault, gc.FitsTypeOf, &types.SystemError{})
	c.Assert(lease.completed, jc.IsFalse)
	c.Assert(b.DeployProgress(), gc.Equals, -1)
}

func (s *bundleSuite) TestDeployUploadFailureAborts(c *gc.C) {
	recorder := &uploadRecorder{status: http.StatusInternalServerError}
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	b, err := Open(makeOVA(c, defaultMembers()...))
	c.Assert(err, jc.ErrorIsNil)
	defer b.Close()

	lease := &fakeLease{devices: deviceURLsFor(srv.URL)}
	err = b.Deploy(context.Background(), s.deploySpec(srv.URL), lease, "vcenter.example.com")
	c.Assert(err, gc.ErrorMatches, `uploading "disk1.vmdk": server returned status 500`)

	c.Assert(lease.aborted, gc.NotNil)
	c.Assert(lease.aborted.Fault, gc.FitsTypeOf, &types.SystemError{})
	c.Assert(lease.completed, jc.IsFalse)
	c.Assert(b.DeployProgress(), gc.Equals, -1)

	// The disks rewind even when the upload fails part way.
	data, err := io.ReadAll(b.Disks()[0])
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(data), gc.Equals, "first disk contents")
}

func (s *bundleSuite) TestDeployFaultPropagatesToAbort(c *gc.C) {
	recorder := &uploadRecorder{}
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	b, err := Open(makeOVA(c, defaultMembers()...))
	c.Assert(err, jc.ErrorIsNil)
	defer b.Close()

	lease := &fakeLease{
		devices: deviceURLsFor(srv.URL),
		completeErr: task.Error{
			LocalizedMethodFault: &types.LocalizedMethodFault{
				Fault:            &types.DuplicateName{Name: "myVM"},
				LocalizedMessage: "duplicate name",
			},
		},
	}
	err = b.Deploy(context.Background(), s.deploySpec(srv.URL), lease, "vcenter.example.com")
	c.Assert(err, gc.ErrorMatches, "duplicate name")

	c.Assert(lease.aborted, gc.NotNil)
	c.Assert(lease.aborted.Fault, gc.FitsTypeOf, &types.DuplicateName{})
}

func (s *bundleSuite) TestDeviceURLWildcardHost(c *gc.C) {
	lease := &fakeLease{devices: []types.HttpNfcLeaseDeviceUrl{
		{ImportKey: "disk-0", Url: "https://*/nfc/disk-0.vmdk"},
	}}
	u, err := deviceURL(lease, types.OvfFileItem{DeviceId: "disk-0", Path: "disk1.vmdk"}, "vcenter.example.com")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(u.String(), gc.Equals, "https://vcenter.example.com/nfc/disk-0.vmdk")
}

func (s *bundleSuite) openWithClock(c *gc.C) (*Bundle, *testclock.Clock) {
	clk := testclock.NewClock(time.Time{})
	b, err := Open(makeOVA(c, defaultMembers()...), WithClock(clk))
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) { b.Close() })
	return b, clk
}

func (s *bundleSuite) TestChimeReportsSourceProgress(c *gc.C) {
	b, clk := s.openWithClock(c)
	lease := &fakeLease{state: types.HttpNfcLeaseStateReady}

	stop := make(chan struct{})
	done := make(chan struct{})
	go b.chime(context.Background(), lease, stop, done)
	defer func() {
		close(stop)
		select {
		case <-done:
		case <-time.After(testing.LongWait):
			c.Fatal("timed out waiting for chimer to stop")
		}
	}()

	err := clk.WaitAdvance(chimeInterval, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	// The chimer is back on the clock once the report lands.
	err = clk.WaitAdvance(chimeInterval, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	deadline := time.Now().Add(testing.LongWait)
	for len(lease.progressReports()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	reports := lease.progressReports()
	c.Assert(len(reports) >= 2, jc.IsTrue)
	c.Assert(reports[0], gc.Equals, int32(100))
}

func (s *bundleSuite) TestChimeStopsWhenLeaseDone(c *gc.C) {
	b, clk := s.openWithClock(c)
	lease := &fakeLease{state: types.HttpNfcLeaseStateDone}

	stop := make(chan struct{})
	done := make(chan struct{})
	go b.chime(context.Background(), lease, stop, done)

	err := clk.WaitAdvance(chimeInterval, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	select {
	case <-done:
	case <-time.After(testing.LongWait):
		c.Fatal("timed out waiting for chimer to stop")
	}
	c.Assert(lease.aborted, gc.IsNil)
}

func (s *bundleSuite) TestChimeToleratesCompletionRace(c *gc.C) {
	b, clk := s.openWithClock(c)
	lease := &fakeLease{
		progressErr: task.Error{
			LocalizedMethodFault: &types.LocalizedMethodFault{
				Fault:            &types.ManagedObjectNotFound{},
				LocalizedMessage: "lease gone",
			},
		},
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go b.chime(context.Background(), lease, stop, done)

	err := clk.WaitAdvance(chimeInterval, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	select {
	case <-done:
	case <-time.After(testing.LongWait):
		c.Fatal("timed out waiting for chimer to stop")
	}
	c.Assert(lease.aborted, gc.IsNil)
}

func (s *bundleSuite) TestChimeAbortsOnReportFailure(c *gc.C) {
	b, clk := s.openWithClock(c)
	lease := &fakeLease{progressErr: errors.New("lease exploded")}

	stop := make(chan struct{})
	done := make(chan struct{})
	go b.chime(context.Background(), lease, stop, done)

	err := clk.WaitAdvance(chimeInterval, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	select {
	case <-done:
	case <-time.After(testing.LongWait):
		c.Fatal("timed out waiting for chimer to stop")
	}
	lease.mu.Lock()
	defer lease.mu.Unlock()
	c.Assert(lease.aborted, gc.NotNil)
	c.Assert(lease.aborted.Fault, gc.FitsTypeOf, &types.SystemError{})
}
