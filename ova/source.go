// Copyright 2026 vLab Contributors.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package ova

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/juju/errors"
)

// Source is a seekable byte stream backing an archive. Local files and
// remote HTTP locations both satisfy it, so a Bundle can treat them the
// same way.
type Source interface {
	io.Reader
	io.Seeker
	io.Closer

	// Size returns the total length of the stream in bytes.
	Size() int64

	// Progress returns how far into the stream the cursor is, as a
	// whole percentage of Size.
	Progress() int
}

// FileSource is a Source backed by a local file.
type FileSource struct {
	f      *os.File
	size   int64
	offset int64
}

// NewFileSource opens the file at path for reading.
func NewFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Trace(err)
	}
	return &FileSource{f: f, size: fi.Size()}, nil
}

// Read is part of the io.Reader interface.
func (s *FileSource) Read(p []byte) (int, error) {
	n, err := s.f.Read(p)
	s.offset += int64(n)
	return n, err
}

// Seek is part of the io.Seeker interface.
func (s *FileSource) Seek(offset int64, whence int) (int64, error) {
	abs, err := s.f.Seek(offset, whence)
	if err != nil {
		return 0, errors.Trace(err)
	}
	s.offset = abs
	return abs, nil
}

// Close is part of the io.Closer interface.
func (s *FileSource) Close() error {
	return s.f.Close()
}

// Size is part of the Source interface.
func (s *FileSource) Size() int64 {
	return s.size
}

// Progress is part of the Source interface.
func (s *FileSource) Progress() int {
	if s.size == 0 {
		return 0
	}
	return int(100 * s.offset / s.size)
}

// WebSource is a Source backed by a remote HTTP location. The server
// must support ranged requests; every Read issues a single ranged GET
// for exactly the bytes wanted, so no connection is held open between
// calls.
type WebSource struct {
	url    string
	client *http.Client
	size   int64
	offset int64
}

// NewWebSource probes url and returns a WebSource for it. A non-200
// response means the remote file does not exist. A server that does not
// advertise Accept-Ranges or Content-Length can never back a WebSource,
// so that is reported as a permanent error rather than retried.
func NewWebSource(url string, client *http.Client) (*WebSource, error) {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(url)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.NotFoundf("remote archive %q", url)
	}
	if resp.Header.Get("Accept-Ranges") == "" {
		return nil, errors.Errorf("server hosting %q does not support the Accept-Ranges HTTP header", url)
	}
	lengthHeader := resp.Header.Get("Content-Length")
	if lengthHeader == "" {
		return nil, errors.Errorf("server hosting %q did not report a Content-Length", url)
	}
	size, err := strconv.ParseInt(lengthHeader, 10, 64)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing Content-Length for %q", url)
	}
	return &WebSource{url: url, client: client, size: size}, nil
}

// Read is part of the io.Reader interface.
func (s *WebSource) Read(p []byte) (int, error) {
	if s.offset >= s.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if remaining := s.size - s.offset; want > remaining {
		want = remaining
	}
	req, err := http.NewRequest("GET", s.url, nil)
	if err != nil {
		return 0, errors.Trace(err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", s.offset, s.offset+want-1))
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("ranged GET of %q returned status %d", s.url, resp.StatusCode)
	}
	n, err := io.ReadFull(resp.Body, p[:want])
	s.offset += int64(n)
	if err == io.ErrUnexpectedEOF {
		err = nil
	}
	return n, err
}

// Seek is part of the io.Seeker interface.
func (s *WebSource) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.offset + offset
	case io.SeekEnd:
		abs = s.size + offset
	default:
		return 0, errors.NotValidf("whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.NotValidf("negative offset %d", abs)
	}
	s.offset = abs
	return abs, nil
}

// Close is part of the io.Closer interface. There is no persistent
// connection to release.
func (s *WebSource) Close() error {
	return nil
}

// Size is part of the Source interface.
func (s *WebSource) Size() int64 {
	return s.size
}

// Progress is part of the Source interface.
func (s *WebSource) Progress() int {
	if s.size == 0 {
		return 0
	}
	return int(100 * s.offset / s.size)
}
