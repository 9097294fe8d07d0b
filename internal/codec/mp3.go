package codec

import (
	"github.com/sparod/aircat/internal/demux"
)

// mp3Decoder frame-syncs an MPEG-1/2 Layer I/II/III bitstream (two-
// frame lookahead to confirm sync, used = next-frame pointer minus
// buffer start) but stops short of full Huffman/IMDCT synthesis: it
// emits the correct number of silent samples for the frame it found.
// See DESIGN.md; RAOP never sends MP3, and Icecast MP3 relays are a
// secondary path behind ALAC/AAC.
type mp3Decoder struct {
	sampleRate int
	channels   int
}

func newMP3Decoder() *mp3Decoder {
	return &mp3Decoder{}
}

func (d *mp3Decoder) SampleRate() int { return d.sampleRate }
func (d *mp3Decoder) Channels() int   { return d.channels }

func (d *mp3Decoder) Decode(in []byte, out []int16, info *Info) (int, error) {
	if in == nil {
		*info = Info{SampleRate: d.sampleRate, Channels: d.channels}
		return 0, nil
	}

	off, frame, ok := demux.FindFirstFrame(in)
	if !ok {
		// Not even a recoverable partial frame in this buffer: ask
		// the caller for more bytes, same as MAD_ERROR_BUFLEN.
		*info = Info{Used: 0, SampleRate: d.sampleRate, Channels: d.channels}
		return 0, ErrBufferTooSmall
	}

	used := off + frame.Length
	if used > len(in) {
		*info = Info{Used: off, SampleRate: d.sampleRate, Channels: d.channels}
		return 0, ErrBufferTooSmall
	}

	d.sampleRate = frame.SampleRate
	if frame.Channels == 0 {
		d.channels = 1
	} else {
		d.channels = 2
	}

	samples := frame.Samples
	if samples > len(out)/d.channels {
		samples = len(out) / d.channels
	}
	for i := range out[:samples*d.channels] {
		out[i] = 0
	}

	var err error
	if off > 0 {
		// Skipped garbage before the sync word: resynchronized.
		err = ErrResync
	}

	*info = Info{Used: used, SampleRate: d.sampleRate, Channels: d.channels}
	return samples, err
}

func (d *mp3Decoder) Close() error { return nil }
