package codec

import (
	"encoding/binary"
	"fmt"
)

// pcmDecoder converts big-endian (network byte order) L16/L24/L32 PCM,
// as AirPlay's "L16" rtpmap and raw WAV "fmt " data describe it, into
// little-endian 16-bit output samples.
type pcmDecoder struct {
	sampleRate int
	channels   int
	bitDepth   int
}

// newPCMDecoder parses the 44-byte RIFF/WAVE header handed in as
// config: the fmt-chunk's channel count, sample rate, and bit depth at
// their fixed offsets.
func newPCMDecoder(config []byte) (*pcmDecoder, error) {
	if len(config) < 44 {
		return nil, fmt.Errorf("codec: pcm config too short: %d bytes", len(config))
	}
	if string(config[0:4]) != "RIFF" || string(config[8:12]) != "WAVE" {
		return nil, fmt.Errorf("codec: pcm config missing RIFF/WAVE signature")
	}

	channels := int(binary.LittleEndian.Uint16(config[22:24]))
	sampleRate := int(binary.LittleEndian.Uint32(config[24:28]))
	bitDepth := int(binary.LittleEndian.Uint16(config[34:36]))

	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("codec: unsupported PCM bit depth %d", bitDepth)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("codec: invalid PCM channel count %d", channels)
	}

	return &pcmDecoder{sampleRate: sampleRate, channels: channels, bitDepth: bitDepth}, nil
}

func (d *pcmDecoder) SampleRate() int { return d.sampleRate }
func (d *pcmDecoder) Channels() int   { return d.channels }

func (d *pcmDecoder) Decode(in []byte, out []int16, info *Info) (int, error) {
	if in == nil {
		// No internal buffering: nothing to reset or drain.
		*info = Info{SampleRate: d.sampleRate, Channels: d.channels}
		return 0, nil
	}

	bytesPerSample := d.bitDepth / 8
	available := len(in) / bytesPerSample
	if available > len(out) {
		available = len(out)
	}

	for i := 0; i < available; i++ {
		off := i * bytesPerSample
		var sample int16
		switch d.bitDepth {
		case 8:
			sample = int16(in[off]-128) << 8
		case 16:
			sample = int16(binary.BigEndian.Uint16(in[off : off+2]))
		case 24:
			v := int32(in[off])<<16 | int32(in[off+1])<<8 | int32(in[off+2])
			if v&0x800000 != 0 {
				v |= ^int32(0xFFFFFF)
			}
			sample = int16(v >> 8)
		case 32:
			v := int32(binary.BigEndian.Uint32(in[off : off+4]))
			sample = int16(v >> 16)
		}
		out[i] = sample
	}

	used := available * bytesPerSample
	*info = Info{Used: used, Remaining: 0, SampleRate: d.sampleRate, Channels: d.channels}
	return available, nil
}

func (d *pcmDecoder) Close() error { return nil }
