// Package stream provides a single abstraction over local files and
// HTTP(S)/Icecast sources for the file player: buffered reads with an
// optional read timeout, and seeking that prefers skip-and-discard for
// short jumps over a full HTTP re-GET.
package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sparod/aircat/internal/config"
)

// ErrNotSeekable is returned when Seek is asked to rewind a
// non-seekable source (a plain HTTP stream without Accept-Ranges).
var ErrNotSeekable = errors.New("stream: source is not seekable")

const defaultBufferSize = 8192

// Stream is a buffered, optionally-seekable reader over a local file or
// an HTTP(S) URL.
type Stream struct {
	uri         string
	contentType string
	size        int64
	pos         int64
	seekable    bool

	file   *os.File
	fileBR *bufio.Reader
	client *http.Client
	resp   *http.Response
	reader io.Reader

	buffer  []byte
	bufLen  int
	skipLen int64
}

// Open opens uri (a local path or an http(s):// URL) and probes its
// size, content type, and seekability.
func Open(uri string, bufferSize int) (*Stream, error) {
	if uri == "" {
		return nil, errors.New("stream: empty uri")
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	s := &Stream{uri: uri}

	switch {
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		if err := s.openHTTP(); err != nil {
			return nil, err
		}
	default:
		if err := s.openFile(); err != nil {
			return nil, err
		}
	}

	if s.size != 0 && s.size < int64(bufferSize) {
		bufferSize = int(s.size)
	}
	s.buffer = make([]byte, bufferSize)

	s.guessContentType()
	return s, nil
}

func (s *Stream) openFile() error {
	info, err := os.Stat(s.uri)
	if err != nil {
		return fmt.Errorf("stream: stat %s: %w", s.uri, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("stream: %s is not a regular file", s.uri)
	}
	f, err := os.Open(s.uri)
	if err != nil {
		return fmt.Errorf("stream: open %s: %w", s.uri, err)
	}
	s.file = f
	s.fileBR = bufio.NewReader(f)
	s.reader = s.fileBR
	s.size = info.Size()
	s.seekable = true
	return nil
}

func (s *Stream) openHTTP() error {
	s.client = &http.Client{}
	req, err := http.NewRequest(http.MethodGet, s.uri, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", "bytes=0-")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("stream: GET %s: %w", s.uri, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return fmt.Errorf("stream: GET %s: unexpected status %d", s.uri, resp.StatusCode)
	}

	if strings.HasPrefix(resp.Header.Get("Accept-Ranges"), "bytes") {
		s.seekable = true
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			s.size = n
		}
	}
	s.contentType = resp.Header.Get("Content-Type")

	s.resp = resp
	s.reader = resp.Body
	return nil
}

// guessContentType reconciles the extension with a declared
// Content-Type: ".m4a"/".mp4" always resolve to "audio/mp4" even when
// a misconfigured Icecast server reports "audio/mpeg".
func (s *Stream) guessContentType() {
	ext := strings.ToLower(path.Ext(s.uri))

	if s.contentType == "" {
		switch ext {
		case ".mp3":
			s.contentType = "audio/mpeg"
		case ".m4a", ".mp4":
			s.contentType = "audio/mp4"
		default:
			if guess := mime.TypeByExtension(ext); guess != "" {
				s.contentType = guess
			}
		}
		return
	}

	if (ext == ".m4a" || ext == ".mp4") && s.contentType == "audio/mpeg" {
		s.contentType = "audio/mp4"
	}
}

// Buffer returns the currently filled portion of the internal buffer.
func (s *Stream) Buffer() []byte { return s.buffer[:s.bufLen] }

// ContentType returns the stream's MIME type, if known.
func (s *Stream) ContentType() string { return s.contentType }

// Seekable reports whether Seek can rewind this stream.
func (s *Stream) Seekable() bool { return s.seekable }

// Pos returns the current logical stream position.
func (s *Stream) Pos() int64 { return s.pos }

// Size returns the total stream size, or 0 if unknown (e.g. a live
// Icecast mount with no Content-Length).
func (s *Stream) Size() int64 { return s.size }

// Len returns the number of valid bytes in Buffer().
func (s *Stream) Len() int { return s.bufLen }

func (s *Stream) rawRead(buf []byte, timeout time.Duration) (int, error) {
	if timeout > 0 {
		if conn, ok := s.reader.(interface{ SetReadDeadline(time.Time) error }); ok {
			conn.SetReadDeadline(time.Now().Add(timeout))
		}
	}
	n, err := s.reader.Read(buf)
	if n > 0 {
		return n, nil
	}
	if err != nil {
		return 0, err
	}
	return 0, io.EOF
}

func (s *Stream) drainSkip(timeout time.Duration) error {
	for s.skipLen > 0 {
		n := int64(len(s.buffer))
		if s.skipLen < n {
			n = s.skipLen
		}
		read, err := s.rawRead(s.buffer[:n], timeout)
		if err != nil {
			return err
		}
		s.skipLen -= int64(read)
	}
	return nil
}

// Read replaces the buffer's contents with up to length fresh bytes
// (0 or oversized length means "fill the whole buffer").
func (s *Stream) Read(length int, timeout time.Duration) (int, error) {
	if err := s.drainSkip(timeout); err != nil {
		return 0, err
	}
	if length == 0 || length > len(s.buffer) {
		length = len(s.buffer)
	}
	n, err := s.rawRead(s.buffer[:length], timeout)
	if err != nil {
		return 0, err
	}
	s.pos += int64(s.bufLen)
	s.bufLen = n
	return n, nil
}

// Complete appends up to length additional bytes onto the existing
// buffered data instead of discarding it, used when a demuxer needs
// more bytes to finish parsing a frame it already partially holds.
func (s *Stream) Complete(length int, timeout time.Duration) (int, error) {
	if err := s.drainSkip(timeout); err != nil {
		return 0, err
	}
	if length == 0 || length+s.bufLen > len(s.buffer) {
		length = len(s.buffer) - s.bufLen
	}
	if length == 0 {
		return s.bufLen, nil
	}
	n, err := s.rawRead(s.buffer[s.bufLen:s.bufLen+length], timeout)
	if err != nil {
		return 0, err
	}
	s.bufLen += n
	return s.bufLen, nil
}

// Seek whence values, matching io.Seek* minus SeekEnd (the original
// size of a live stream is frequently unknown).
const (
	SeekStart   = io.SeekStart
	SeekCurrent = io.SeekCurrent
)

// Seek moves the logical read position. Short forward jumps within the
// already-buffered data are served by shifting the buffer; jumps within
// config.MaxSkipLen are served by reading-and-discarding; longer jumps
// on a seekable HTTP source re-issue the GET with a new Range header,
// and on a seekable file use lseek.
func (s *Stream) Seek(pos int64, whence int) error {
	if whence != SeekStart && whence != SeekCurrent {
		return errors.New("stream: unsupported whence")
	}
	if whence == SeekStart {
		pos -= s.pos
	}
	if pos < 0 && !s.seekable {
		return ErrNotSeekable
	}

	switch {
	case pos >= 0 && pos < int64(s.bufLen):
		copy(s.buffer, s.buffer[pos:s.bufLen])
		s.bufLen = s.bufLen - int(pos)

	case !s.seekable || (s.resp != nil && pos >= 0 && pos < config.MaxSkipLen):
		s.skipLen += pos - int64(s.bufLen)
		s.bufLen = 0

	case s.resp != nil:
		if err := s.reseekHTTP(s.pos + pos); err != nil {
			return err
		}
		s.bufLen = 0

	default:
		// Seek the file to the absolute target and drop whatever the
		// buffered reader prefetched past it.
		if _, err := s.file.Seek(s.pos+pos, io.SeekStart); err != nil {
			return fmt.Errorf("stream: seek: %w", err)
		}
		s.fileBR.Reset(s.file)
		s.bufLen = 0
	}

	s.pos += pos
	return nil
}

func (s *Stream) reseekHTTP(absolute int64) error {
	s.resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, s.uri, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", absolute))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("stream: re-GET %s: %w", s.uri, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return fmt.Errorf("stream: re-GET %s: unexpected status %d", s.uri, resp.StatusCode)
	}

	s.resp = resp
	s.reader = resp.Body
	return nil
}

// Close releases the underlying file or HTTP response body.
func (s *Stream) Close() error {
	if s.resp != nil {
		return s.resp.Body.Close()
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
