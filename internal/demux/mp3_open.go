package demux

import (
	"errors"
	"fmt"
	"time"

	"github.com/sparod/aircat/internal/stream"
)

// ErrNoSync is returned when no valid, two-frame-confirmed MPEG sync
// word can be found in the probed prefix of the file.
var ErrNoSync = errors.New("demux: no MPEG frame sync found")

// OpenMP3 probes s for a leading ID3v2 tag, locates the first audio
// frame, and parses an Xing/Info or VBRI index if present, leaving s
// positioned at the first frame.
func OpenMP3(s *stream.Stream) (*MP3Demux, error) {
	if _, err := s.Read(10, 0); err != nil {
		return nil, fmt.Errorf("demux: read ID3 header: %w", err)
	}

	id3Size := ID3v2Size(s.Buffer())
	if id3Size > 0 {
		if err := s.Seek(id3Size, stream.SeekCurrent); err != nil {
			return nil, fmt.Errorf("demux: skip ID3v2 tag: %w", err)
		}
	}

	if _, err := s.Complete(0, 0); err != nil {
		return nil, fmt.Errorf("demux: fill sync buffer: %w", err)
	}

	offset, frame, ok := FindFirstFrame(s.Buffer())
	if !ok {
		return nil, ErrNoSync
	}

	d := &MP3Demux{
		SampleRate: frame.SampleRate,
	}
	if frame.Channels == 0 {
		d.Channels = 1
	} else {
		d.Channels = 2
	}

	if err := s.Seek(int64(offset), stream.SeekCurrent); err != nil {
		return nil, fmt.Errorf("demux: seek to first frame: %w", err)
	}
	if _, err := s.Complete(0, 0); err != nil {
		return nil, fmt.Errorf("demux: fill first frame buffer: %w", err)
	}

	consumedIndex := false
	if d.ParseXing(frame, s.Buffer()) {
		consumedIndex = true
	} else if d.ParseVBRI(frame, s.Buffer()) {
		consumedIndex = true
	}
	if consumedIndex {
		if err := s.Seek(int64(frame.Length), stream.SeekCurrent); err != nil {
			return nil, fmt.Errorf("demux: skip index frame: %w", err)
		}
	}

	d.Offset = s.Pos()
	d.Bitrate = frame.Bitrate

	if d.NumFrames > 0 {
		d.Duration = int64(frame.Samples) * int64(d.NumFrames) / int64(frame.SampleRate)
	} else if s.Size() > 0 && frame.Bitrate > 0 {
		d.Duration = (s.Size() - d.Offset) / int64(frame.Bitrate*125)
	}

	return d, nil
}

// NextFrame advances s by one frame's worth of data, the MP3 analogue
// of demux.GetNextFrame: just ensures the buffer holds a full frame.
func NextFrame(s *stream.Stream, timeout time.Duration) (int, error) {
	return s.Complete(0, timeout)
}
