package demux

import (
	"bytes"
	"errors"
	"strings"
)

var bitrateTable = [2][3][15]int{
	{ // MPEG-1
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384},
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320},
	},
	{ // MPEG-2 / MPEG-2.5
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
	},
}

var samplerateTable = [3][4]int{
	{44100, 48000, 32000, 0},
	{22050, 24000, 16000, 0},
	{11025, 8000, 8000, 0},
}

var samplesTable = [2][3]int{
	{384, 1152, 1152},
	{384, 1152, 576},
}

// MP3Frame is one parsed MPEG audio frame header.
type MP3Frame struct {
	MPEGVersion int // 0: MPEG-1, 1: MPEG-2, 2: MPEG-2.5
	Layer       int // 0: Layer I, 1: Layer II, 2: Layer III
	Bitrate     int
	SampleRate  int
	Padding     int
	Channels    int // 0: mono, else stereo variants
	Samples     int // PCM samples carried by one frame
	Length      int // frame length in bytes
}

var errBadFrameHeader = errors.New("demux: not a valid MPEG frame header")

// ParseFrameHeader decodes the 4-byte MPEG audio frame header at the
// start of buf, exported for the file player's frame-at-a-time decode
// loop (it already knows the first frame from FindFirstFrame but must
// parse each subsequent one itself, since VBR streams vary frame length).
func ParseFrameHeader(buf []byte) (*MP3Frame, error) {
	return parseMP3FrameHeader(buf)
}

// parseMP3FrameHeader decodes the 4-byte MPEG audio frame header at the
// start of buf.
func parseMP3FrameHeader(buf []byte) (*MP3Frame, error) {
	if len(buf) < 4 {
		return nil, errBadFrameHeader
	}
	if buf[0] != 0xFF || buf[1]&0xE0 != 0xE0 {
		return nil, errBadFrameHeader
	}

	f := &MP3Frame{}
	f.MPEGVersion = 3 - int((buf[1]>>3)&0x03)
	if f.MPEGVersion == 2 {
		return nil, errBadFrameHeader // reserved
	}
	if f.MPEGVersion == 3 {
		f.MPEGVersion = 2
	}

	f.Layer = 3 - int((buf[1]>>1)&0x03)
	if f.Layer == 3 {
		return nil, errBadFrameHeader
	}

	brIdx := int((buf[2] >> 4) & 0x0F)
	if brIdx == 0 || brIdx == 15 {
		return nil, errBadFrameHeader
	}
	if f.MPEGVersion != 2 {
		f.Bitrate = bitrateTable[f.MPEGVersion][f.Layer][brIdx]
	} else {
		f.Bitrate = bitrateTable[1][f.Layer][brIdx]
	}

	srIdx := int((buf[2] >> 2) & 0x03)
	if srIdx == 3 {
		return nil, errBadFrameHeader
	}
	f.SampleRate = samplerateTable[f.MPEGVersion][srIdx]

	f.Padding = int((buf[2] >> 1) & 0x01)
	f.Channels = (int((buf[3]>>6)&0x03) + 1) % 4

	lsf := 0
	if f.MPEGVersion > 0 {
		lsf = 1
	}
	f.Samples = samplesTable[lsf][f.Layer]

	switch {
	case f.Layer == 0:
		f.Length = ((12*f.Bitrate*1000/f.SampleRate + f.Padding) * 4)
	case f.MPEGVersion > 0 && f.Layer == 2:
		// Low-sampling-frequency Layer III frames carry half the samples.
		f.Length = 72*f.Bitrate*1000/f.SampleRate + f.Padding
	default:
		f.Length = 144*f.Bitrate*1000/f.SampleRate + f.Padding
	}
	return f, nil
}

// MP3Demux holds the state accumulated while scanning an MP3 file's
// headers: the stream position of the first audio frame, channel
// layout, and whichever VBR index (Xing/Info or VBRI) was present.
type MP3Demux struct {
	SampleRate int
	Channels   int
	Bitrate    int   // kbit/s of the frame used for sync
	Duration   int64 // whole seconds, from the VBR index or a bitrate estimate
	Offset     int64 // byte offset of first audio frame, including any ID3v2 tag

	NumFrames uint32
	NumBytes  uint32
	XingTOC   []byte // 100-entry percent-of-duration -> percent-of-size table

	VBRIDelay    uint16
	VBRIToc      []byte
	VBRIScale    uint16
	VBRIEntries  uint16
	VBRIFrameLen uint16
}

// ID3v2Size returns the total byte length of a leading ID3v2 tag
// (header + frames + optional footer), or 0 if buf does not start with
// one.
func ID3v2Size(buf []byte) int64 {
	if len(buf) < 10 || !bytes.HasPrefix(buf, []byte("ID3")) {
		return 0
	}
	size := int64(buf[6]&0x7F)<<21 | int64(buf[7]&0x7F)<<14 | int64(buf[8]&0x7F)<<7 | int64(buf[9]&0x7F)
	size += 10
	if buf[5]&0x20 != 0 {
		size += 10 // footer
	}
	return size
}

// FindFirstFrame scans buf for a sync word followed by a second valid
// sync word at the expected frame boundary; the two-frame confirmation
// avoids locking onto a false positive inside compressed audio data.
func FindFirstFrame(buf []byte) (offset int, frame *MP3Frame, ok bool) {
	for i := 0; i+3 < len(buf); i++ {
		if buf[i] != 0xFF || buf[i+1]&0xE0 != 0xE0 {
			continue
		}
		f, err := parseMP3FrameHeader(buf[i:])
		if err != nil {
			continue
		}
		next := i + f.Length
		if next+2 > len(buf) || buf[next] != 0xFF || buf[next+1]&0xE0 != 0xE0 {
			continue
		}
		return i, f, true
	}
	return 0, nil, false
}

// ParseXing parses an Xing/Info VBR header at the start of a frame's
// payload (immediately following its 4-byte header), returning true if
// one was found and consumed. A bare "LAME" tag without Xing/Info is
// treated as "no header".
func (d *MP3Demux) ParseXing(frame *MP3Frame, buf []byte) bool {
	if frame.Length > len(buf) {
		return false
	}
	var offset int
	if frame.Channels == 0 {
		if frame.MPEGVersion == 0 {
			offset = 21
		} else {
			offset = 13
		}
	} else {
		if frame.MPEGVersion == 0 {
			offset = 36
		} else {
			offset = 21
		}
	}
	if offset+120 > frame.Length {
		return false
	}
	body := buf[offset:]

	if strings.EqualFold(string(body[:4]), "LAME") {
		return false
	}
	if !strings.EqualFold(string(body[:4]), "Xing") && !strings.EqualFold(string(body[:4]), "Info") {
		return false
	}
	p := body[4:]
	flags := be32(p)
	p = p[4:]

	if flags&0x0001 != 0 {
		d.NumFrames = be32(p)
		p = p[4:]
	}
	if flags&0x0002 != 0 {
		d.NumBytes = be32(p)
		p = p[4:]
	}
	if flags&0x0004 != 0 {
		if len(p) >= 100 {
			d.XingTOC = append([]byte(nil), p[:100]...)
		}
		p = p[100:]
	}
	return true
}

// ParseVBRI parses a Fraunhofer VBRI header, present at a fixed offset
// of 36 bytes into the frame payload on encoders that use it instead of
// Xing/Info.
func (d *MP3Demux) ParseVBRI(frame *MP3Frame, buf []byte) bool {
	if frame.Length < 36+26 {
		return false
	}
	body := buf[36:]
	if len(body) < 4 || !strings.EqualFold(string(body[:4]), "VBRI") {
		return false
	}
	p := body[4:]

	_ = be16(p) // version
	p = p[2:]
	d.VBRIDelay = be16(p)
	p = p[2:]
	_ = be16(p) // quality
	p = p[2:]
	d.NumBytes = be32(p)
	p = p[4:]
	if d.NumBytes == 0 {
		return true
	}
	d.NumFrames = be32(p)
	p = p[4:]
	if d.NumFrames == 0 {
		return true
	}
	d.VBRIEntries = be16(p)
	p = p[2:]
	if d.VBRIEntries == 0 {
		return true
	}
	d.VBRIScale = be16(p)
	p = p[2:]
	if d.VBRIScale == 0 {
		return true
	}
	tocEntrySize := be16(p)
	p = p[2:]
	if tocEntrySize > 4 || tocEntrySize == 0 {
		return true
	}
	d.VBRIFrameLen = be16(p)
	p = p[2:]
	if d.VBRIFrameLen == 0 || int(d.VBRIFrameLen)*(int(d.VBRIEntries)+1) < int(d.NumFrames) {
		return true
	}

	size := int(tocEntrySize) * int(d.VBRIEntries)
	if frame.Length < 62+size {
		return true
	}
	if len(p) >= size {
		d.VBRIToc = append([]byte(nil), p[:size]...)
	}
	return true
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func be16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

// SeekByteOffset estimates the file byte offset corresponding to a
// target play position (in samples, matching the unit of trackLength),
// preferring the VBRI TOC, then the Xing TOC, and finally a linear
// approximation across the whole file.
func (d *MP3Demux) SeekByteOffset(targetPos, trackLength, fileSize int64) int64 {
	var filePos int64

	switch {
	case len(d.VBRIToc) > 0 && d.VBRIEntries > 0:
		n := int64(d.VBRIEntries)
		i := targetPos * (n - 1) / maxInt64(trackLength, 1)
		if i > n-1 {
			i = n - 1
		}
		var cumulative int64
		for j := int64(0); j <= i; j++ {
			cumulative += int64(d.VBRIToc[j]) * int64(d.VBRIScale)
		}
		a := i * trackLength / n
		var b, fb int64
		if i+1 < n {
			b = (i + 1) * trackLength / n
			fb = cumulative + int64(d.VBRIToc[i+1])*int64(d.VBRIScale)
		} else {
			b = trackLength
			fb = int64(d.NumBytes)
		}
		if b == a {
			filePos = cumulative
		} else {
			filePos = cumulative + (fb-cumulative)*(targetPos-a)/(b-a)
		}

	case len(d.XingTOC) == 100:
		percent := float64(targetPos) * 100.0 / float64(maxInt64(trackLength, 1))
		if percent > 100.0 {
			percent = 100.0
		}
		i := int(percent)
		if i > 99 {
			i = 99
		}
		fa := float64(d.XingTOC[i])
		var fb float64 = 256.0
		if i < 99 {
			fb = float64(d.XingTOC[i+1])
		}
		fx := fa + (fb-fa)*(percent-float64(i))

		size := int64(d.NumBytes)
		if size == 0 {
			size = fileSize - d.Offset
		}
		filePos = int64((1.0 / 256.0) * fx * float64(size))

	default:
		filePos = (fileSize - d.Offset) * targetPos / maxInt64(trackLength, 1)
	}

	return d.Offset + filePos
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
