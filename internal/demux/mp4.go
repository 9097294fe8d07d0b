package demux

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sparod/aircat/internal/stream"
)

// TimeToSampleEntry is one "stts" run-length entry: sampleCount
// consecutive samples each lasting sampleDelta timescale ticks.
type TimeToSampleEntry struct {
	SampleCount uint32
	SampleDelta uint32
}

// SampleToChunkEntry is one "stsc" run: starting at FirstChunk, every
// chunk holds SamplesPerChunk samples until the next entry's
// FirstChunk.
type SampleToChunkEntry struct {
	FirstChunk      uint32
	SamplesPerChunk uint32
	SampleDescIndex uint32
}

// MP4Track holds everything the AAC file player needs to iterate
// samples in file order and to seek by time: the sample tables from the
// "stbl" box and the decoder's AudioSpecificConfig from "esds".
type MP4Track struct {
	TimeScale  uint32
	Duration   uint64
	SampleRate uint32 // from the mp4a sample entry itself, not always equal to TimeScale
	Channels   uint16
	SampleSize uint16

	ESDSConfig []byte // raw MPEG-4 AudioSpecificConfig bytes

	STTS       []TimeToSampleEntry
	STSC       []SampleToChunkEntry
	ChunkOffsets []int64
	SampleSizes  []uint32 // empty when every sample shares FixedSampleSize
	FixedSampleSize uint32
	SampleCount     uint32

	NumSamples uint64 // total decodable samples (sum of stts run lengths)
}

// Tags holds the handful of iTunes-style metadata atoms carried in
// "udta/meta/ilst" that a file player surfaces to the UI: title,
// artist, album, and embedded cover art.
type Tags struct {
	Title       string
	Artist      string
	Album       string
	Comment     string
	Year        string
	Genre       string
	Track       uint16
	TotalTracks uint16
	Cover       []byte // raw JPEG/PNG bytes from "covr", if present
}

var ilstTagNames = map[string]string{
	"\xa9nam": "title",
	"\xa9ART": "artist",
	"\xa9alb": "album",
	"\xa9cmt": "comment",
	"\xa9day": "year",
	"\xa9gen": "genre",
}

// id3v1Genres maps the "gnre" atom's 1-based ID3v1 index to its name.
var id3v1Genres = []string{
	"Blues", "Classic Rock", "Country", "Dance", "Disco", "Funk",
	"Grunge", "Hip-Hop", "Jazz", "Metal", "New Age", "Oldies", "Other",
	"Pop", "R&B", "Rap", "Reggae", "Rock", "Techno", "Industrial",
	"Alternative", "Ska", "Death Metal", "Pranks", "Soundtrack",
	"Euro-Techno", "Ambient", "Trip-Hop", "Vocal", "Jazz+Funk", "Fusion",
	"Trance", "Classical", "Instrumental", "Acid", "House", "Game",
	"Sound Clip", "Gospel", "Noise", "Alternative Rock", "Bass", "Soul",
	"Punk", "Space", "Meditative", "Instrumental Pop",
	"Instrumental Rock", "Ethnic", "Gothic", "Darkwave",
	"Techno-Industrial", "Electronic", "Pop-Folk", "Eurodance", "Dream",
	"Southern Rock", "Comedy", "Cult", "Gangsta", "Top 40",
	"Christian Rap", "Pop/Funk", "Jungle", "Native American", "Cabaret",
	"New Wave", "Psychedelic", "Rave", "Showtunes", "Trailer", "Lo-Fi",
	"Tribal", "Acid Punk", "Acid Jazz", "Polka", "Retro", "Musical",
	"Rock & Roll", "Hard Rock",
}

// OpenMP4 walks the ISO-BMFF box tree of s looking for "ftyp" (sanity
// check only) and "moov", parsing the first "mp4a" track's sample
// tables and any "udta/meta/ilst" tags along the way. Unrelated boxes,
// and the (potentially huge) "mdat" media data box itself, are skipped
// with a seek rather than read into memory.
func OpenMP4(s *stream.Stream) (*MP4Track, *Tags, error) {
	track := &MP4Track{}
	tags := &Tags{}

	for {
		hdr, err := readBoxHeader(s)
		if err != nil {
			break // EOF: ran out of top-level boxes
		}
		body := hdr.size - 8

		switch hdr.name {
		case "moov":
			if err := parseContainer(s, body, track, tags); err != nil {
				return nil, nil, err
			}
		default:
			if err := s.Seek(body, stream.SeekCurrent); err != nil {
				return nil, nil, fmt.Errorf("demux: skip %q box: %w", hdr.name, err)
			}
		}

		if track.SampleRate != 0 {
			break // found our mp4a track; mdat and anything after is irrelevant here
		}
	}

	if track.SampleRate == 0 {
		return nil, nil, fmt.Errorf("demux: no mp4a track found")
	}
	return track, tags, nil
}

type boxHeader struct {
	name string
	size int64
}

// fill grows the stream buffer until it holds at least n bytes,
// tolerating short reads from the underlying source.
func fill(s *stream.Stream, n int) error {
	for s.Len() < n {
		before := s.Len()
		got, err := s.Complete(n-before, 0)
		if err != nil {
			return err
		}
		if got <= before {
			return fmt.Errorf("demux: need %d bytes, stream stalled at %d", n, got)
		}
	}
	return nil
}

func readBoxHeader(s *stream.Stream) (boxHeader, error) {
	if err := fill(s, 8); err != nil {
		return boxHeader{}, err
	}
	buf := s.Buffer()
	size := int64(binary.BigEndian.Uint32(buf[0:4]))
	name := string(buf[4:8])
	if size < 8 {
		// 64-bit and to-end-of-file sizes are not produced by the m4a
		// writers this player targets; anything else under 8 is garbage
		// and would stall the walk.
		return boxHeader{}, fmt.Errorf("demux: box %q has invalid size %d", name, size)
	}
	if err := s.Seek(8, stream.SeekCurrent); err != nil {
		return boxHeader{}, err
	}
	return boxHeader{name: name, size: size}, nil
}

// parseContainer reads exactly `remaining` bytes worth of child boxes
// from s, recursing into the container boxes every MP4 path of
// interest passes through and dispatching leaves to their parsers.
func parseContainer(s *stream.Stream, remaining int64, track *MP4Track, tags *Tags) error {
	isMP4a := false

	for remaining > 0 {
		hdr, err := readBoxHeader(s)
		if err != nil {
			return err
		}
		body := hdr.size - 8
		remaining -= hdr.size

		switch hdr.name {
		case "trak", "mdia", "minf", "stbl", "udta":
			if err := parseContainer(s, body, track, tags); err != nil {
				return err
			}
		case "meta":
			// Apple's "meta" is a FullBox: 4 version/flags bytes
			// precede its children.
			if err := fill(s, 4); err != nil {
				return err
			}
			if err := s.Seek(4, stream.SeekCurrent); err != nil {
				return err
			}
			if err := parseContainer(s, body-4, track, tags); err != nil {
				return err
			}
		case "ilst":
			if err := parseIlst(s, body, tags); err != nil {
				return err
			}
		case "mdhd":
			if err := parseMdhd(s, track); err != nil {
				return err
			}
		case "stsd":
			ok, err := parseStsd(s, body, track)
			if err != nil {
				return err
			}
			isMP4a = ok
		case "stts":
			if isMP4a {
				if err := parseStts(s, track); err != nil {
					return err
				}
				continue
			}
			if err := s.Seek(body, stream.SeekCurrent); err != nil {
				return err
			}
		case "stsc":
			if isMP4a {
				if err := parseStsc(s, track); err != nil {
					return err
				}
				continue
			}
			if err := s.Seek(body, stream.SeekCurrent); err != nil {
				return err
			}
		case "stsz":
			if isMP4a {
				if err := parseStsz(s, track); err != nil {
					return err
				}
				continue
			}
			if err := s.Seek(body, stream.SeekCurrent); err != nil {
				return err
			}
		case "stco", "co64":
			if isMP4a {
				if err := parseStco(s, track, hdr.name == "co64"); err != nil {
					return err
				}
				continue
			}
			if err := s.Seek(body, stream.SeekCurrent); err != nil {
				return err
			}
		default:
			if err := s.Seek(body, stream.SeekCurrent); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseMdhd(s *stream.Stream, track *MP4Track) error {
	if err := fill(s, 24); err != nil {
		return err
	}
	buf := s.Buffer()
	version := buf[0]
	var timescale uint32
	var duration uint64
	if version == 1 {
		if err := fill(s, 36); err != nil {
			return err
		}
		buf = s.Buffer()
		timescale = binary.BigEndian.Uint32(buf[20:24])
		duration = binary.BigEndian.Uint64(buf[24:32])
	} else {
		timescale = binary.BigEndian.Uint32(buf[12:16])
		duration = uint64(binary.BigEndian.Uint32(buf[16:20]))
	}
	track.TimeScale = timescale
	track.Duration = duration
	return s.Seek(int64(len(s.Buffer())), stream.SeekCurrent)
}

func parseStsd(s *stream.Stream, remaining int64, track *MP4Track) (bool, error) {
	if err := fill(s, 8); err != nil {
		return false, err
	}
	buf := s.Buffer()
	count := binary.BigEndian.Uint32(buf[4:8])
	if err := s.Seek(8, stream.SeekCurrent); err != nil {
		return false, err
	}
	remaining -= 8

	isMP4a := false
	for i := uint32(0); i < count && remaining > 0; i++ {
		hdr, err := readBoxHeader(s)
		if err != nil {
			return false, err
		}
		body := hdr.size - 8
		remaining -= hdr.size

		if hdr.name == "mp4a" {
			if err := parseMp4a(s, body, track); err != nil {
				return false, err
			}
			isMP4a = true
			continue
		}
		if err := s.Seek(body, stream.SeekCurrent); err != nil {
			return false, err
		}
	}
	if remaining > 0 {
		if err := s.Seek(remaining, stream.SeekCurrent); err != nil {
			return false, err
		}
	}
	return isMP4a, nil
}

func parseMp4a(s *stream.Stream, remaining int64, track *MP4Track) error {
	if err := fill(s, 28); err != nil {
		return err
	}
	buf := s.Buffer()
	track.Channels = binary.BigEndian.Uint16(buf[16:18])
	track.SampleSize = binary.BigEndian.Uint16(buf[18:20])
	track.SampleRate = uint32(binary.BigEndian.Uint16(buf[24:26]))
	if err := s.Seek(28, stream.SeekCurrent); err != nil {
		return err
	}
	remaining -= 28

	for remaining > 0 {
		hdr, err := readBoxHeader(s)
		if err != nil {
			return err
		}
		body := hdr.size - 8
		remaining -= hdr.size

		if hdr.name == "esds" {
			if err := parseEsds(s, body, track); err != nil {
				return err
			}
			continue
		}
		if err := s.Seek(body, stream.SeekCurrent); err != nil {
			return err
		}
	}
	return nil
}

// parseEsds extracts the raw AudioSpecificConfig payload out of the
// MPEG-4 ES Descriptor tree (tag 0x03 -> 0x04 -> 0x05), without fully
// modeling every optional field the descriptor syntax allows.
func parseEsds(s *stream.Stream, remaining int64, track *MP4Track) error {
	if err := fill(s, 4); err != nil {
		return err
	}
	if err := s.Seek(4, stream.SeekCurrent); err != nil { // version + flags
		return err
	}
	remaining -= 4

	raw, err := readAll(s, remaining)
	if err != nil {
		return err
	}

	if cfg := findDecoderConfig(raw); cfg != nil {
		track.ESDSConfig = cfg
	}
	return nil
}

// findDecoderConfig scans the descriptor tree for tag 0x05
// (DecSpecificInfo), returning its payload bytes.
func findDecoderConfig(buf []byte) []byte {
	for len(buf) > 0 {
		tag := buf[0]
		buf = buf[1:]
		size, n := readDescriptorLen(buf)
		buf = buf[n:]
		if size > len(buf) {
			return nil
		}
		payload := buf[:size]

		switch tag {
		case 0x03: // ES_DescrTag: skip ES_ID(2)+flags(1), then recurse
			if len(payload) > 3 {
				if cfg := findDecoderConfig(payload[3:]); cfg != nil {
					return cfg
				}
			}
		case 0x04: // DecoderConfigDescrTag: skip 13-byte fixed header, then recurse
			if len(payload) > 13 {
				if cfg := findDecoderConfig(payload[13:]); cfg != nil {
					return cfg
				}
			}
		case 0x05: // DecSpecificInfoTag: this is the AudioSpecificConfig
			return payload
		}
		buf = buf[size:]
	}
	return nil
}

func readDescriptorLen(buf []byte) (int, int) {
	size := 0
	i := 0
	for i < len(buf) && i < 4 {
		b := buf[i]
		size = (size << 7) | int(b&0x7F)
		i++
		if b&0x80 == 0 {
			break
		}
	}
	return size, i
}

func parseStts(s *stream.Stream, track *MP4Track) error {
	if err := fill(s, 8); err != nil {
		return err
	}
	count := binary.BigEndian.Uint32(s.Buffer()[4:8])
	if err := s.Seek(8, stream.SeekCurrent); err != nil {
		return err
	}

	track.STTS = make([]TimeToSampleEntry, 0, count)
	var total uint64
	for i := uint32(0); i < count; i++ {
		if err := fill(s, 8); err != nil {
			return err
		}
		buf := s.Buffer()
		sc := binary.BigEndian.Uint32(buf[0:4])
		sd := binary.BigEndian.Uint32(buf[4:8])
		track.STTS = append(track.STTS, TimeToSampleEntry{SampleCount: sc, SampleDelta: sd})
		total += uint64(sc)
		if err := s.Seek(8, stream.SeekCurrent); err != nil {
			return err
		}
	}
	track.NumSamples = total
	return nil
}

func parseStsc(s *stream.Stream, track *MP4Track) error {
	if err := fill(s, 8); err != nil {
		return err
	}
	count := binary.BigEndian.Uint32(s.Buffer()[4:8])
	if err := s.Seek(8, stream.SeekCurrent); err != nil {
		return err
	}

	track.STSC = make([]SampleToChunkEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if err := fill(s, 12); err != nil {
			return err
		}
		buf := s.Buffer()
		e := SampleToChunkEntry{
			FirstChunk:      binary.BigEndian.Uint32(buf[0:4]),
			SamplesPerChunk: binary.BigEndian.Uint32(buf[4:8]),
			SampleDescIndex: binary.BigEndian.Uint32(buf[8:12]),
		}
		track.STSC = append(track.STSC, e)
		if err := s.Seek(12, stream.SeekCurrent); err != nil {
			return err
		}
	}
	return nil
}

func parseStsz(s *stream.Stream, track *MP4Track) error {
	if err := fill(s, 12); err != nil {
		return err
	}
	buf := s.Buffer()
	track.FixedSampleSize = binary.BigEndian.Uint32(buf[4:8])
	track.SampleCount = binary.BigEndian.Uint32(buf[8:12])
	if err := s.Seek(12, stream.SeekCurrent); err != nil {
		return err
	}

	if track.FixedSampleSize != 0 {
		return nil
	}
	track.SampleSizes = make([]uint32, 0, track.SampleCount)
	for i := uint32(0); i < track.SampleCount; i++ {
		if err := fill(s, 4); err != nil {
			return err
		}
		track.SampleSizes = append(track.SampleSizes, binary.BigEndian.Uint32(s.Buffer()[0:4]))
		if err := s.Seek(4, stream.SeekCurrent); err != nil {
			return err
		}
	}
	return nil
}

func parseStco(s *stream.Stream, track *MP4Track, wide bool) error {
	if err := fill(s, 8); err != nil {
		return err
	}
	count := binary.BigEndian.Uint32(s.Buffer()[4:8])
	if err := s.Seek(8, stream.SeekCurrent); err != nil {
		return err
	}

	entry := 4
	if wide {
		entry = 8
	}
	track.ChunkOffsets = make([]int64, 0, count)
	for i := uint32(0); i < count; i++ {
		if err := fill(s, entry); err != nil {
			return err
		}
		if wide {
			track.ChunkOffsets = append(track.ChunkOffsets, int64(binary.BigEndian.Uint64(s.Buffer()[0:8])))
		} else {
			track.ChunkOffsets = append(track.ChunkOffsets, int64(binary.BigEndian.Uint32(s.Buffer()[0:4])))
		}
		if err := s.Seek(int64(entry), stream.SeekCurrent); err != nil {
			return err
		}
	}
	return nil
}

func parseIlst(s *stream.Stream, remaining int64, tags *Tags) error {
	for remaining > 0 {
		hdr, err := readBoxHeader(s)
		if err != nil {
			return err
		}
		body := hdr.size - 8
		remaining -= hdr.size

		name, ok := ilstTagNames[hdr.name]
		isCover := hdr.name == "covr"
		isTrack := hdr.name == "trkn"
		isGenre := hdr.name == "gnre"
		if !ok && !isCover && !isTrack && !isGenre {
			if err := s.Seek(body, stream.SeekCurrent); err != nil {
				return err
			}
			continue
		}

		// Each tag atom contains one "data" sub-atom: 8-byte header,
		// 4-byte type, 4-byte locale, then the value itself.
		dataHdr, err := readBoxHeader(s)
		if err != nil {
			return err
		}
		if dataHdr.name != "data" {
			if err := s.Seek(body-8, stream.SeekCurrent); err != nil {
				return err
			}
			continue
		}
		valueLen := dataHdr.size - 8 - 8
		if err := s.Seek(8, stream.SeekCurrent); err != nil { // type + locale
			return err
		}
		value, err := readAll(s, valueLen)
		if err != nil {
			return err
		}

		switch {
		case isCover:
			tags.Cover = value
		case isTrack:
			// 2 pad bytes, track number, total tracks.
			if len(value) >= 6 {
				tags.Track = binary.BigEndian.Uint16(value[2:4])
				tags.TotalTracks = binary.BigEndian.Uint16(value[4:6])
			}
		case isGenre:
			if len(value) >= 2 {
				idx := int(binary.BigEndian.Uint16(value[0:2]))
				if idx >= 1 && idx <= len(id3v1Genres) {
					tags.Genre = id3v1Genres[idx-1]
				}
			}
		case name == "title":
			tags.Title = string(value)
		case name == "artist":
			tags.Artist = string(value)
		case name == "album":
			tags.Album = string(value)
		case name == "comment":
			tags.Comment = string(value)
		case name == "year":
			tags.Year = string(value)
		case name == "genre":
			tags.Genre = string(value)
		}
	}
	return nil
}

// readAll reads exactly n bytes from s into a fresh slice, growing the
// read in buffer-sized chunks via repeated Complete/Read calls.
func readAll(s *stream.Stream, n int64) ([]byte, error) {
	out := make([]byte, 0, n)
	for int64(len(out)) < n {
		want := n - int64(len(out))
		if _, err := s.Read(int(min64(want, 1<<20)), 0); err != nil {
			return nil, err
		}
		out = append(out, s.Buffer()...)
	}
	// The last chunk is still sitting in the stream buffer; consume it
	// so the caller resumes at the byte past the value.
	if err := s.Seek(int64(s.Len()), stream.SeekCurrent); err != nil {
		return nil, err
	}
	return out[:n], nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// SampleOffsetSize resolves the absolute file byte offset and size of
// the given zero-based sample index using the stsc/stco/stsz tables,
// the chunk-walk a sequential decode loop performs incrementally.
func (t *MP4Track) SampleOffsetSize(sampleIndex uint32) (int64, uint32, error) {
	if len(t.STSC) == 0 || len(t.ChunkOffsets) == 0 {
		return 0, 0, fmt.Errorf("demux: no sample tables parsed")
	}

	var chunk uint32 = 1
	var sampleInChunk uint32
	remaining := sampleIndex

	for i, entry := range t.STSC {
		spc := entry.SamplesPerChunk
		var chunkCount uint32
		if i+1 < len(t.STSC) {
			chunkCount = t.STSC[i+1].FirstChunk - entry.FirstChunk
		} else {
			chunkCount = uint32(len(t.ChunkOffsets)) - entry.FirstChunk + 1
		}
		runSamples := spc * chunkCount
		if remaining < runSamples {
			chunk = entry.FirstChunk + remaining/spc
			sampleInChunk = remaining % spc
			break
		}
		remaining -= runSamples
	}

	if int(chunk-1) >= len(t.ChunkOffsets) {
		return 0, 0, fmt.Errorf("demux: sample %d out of range", sampleIndex)
	}
	offset := t.ChunkOffsets[chunk-1]

	// Walk preceding samples within the chunk to add up their sizes.
	firstSampleOfChunk := sampleIndex - sampleInChunk
	for i := uint32(0); i < sampleInChunk; i++ {
		offset += int64(t.sampleSize(firstSampleOfChunk + i))
	}

	return offset, t.sampleSize(sampleIndex), nil
}

func (t *MP4Track) sampleSize(index uint32) uint32 {
	if t.FixedSampleSize != 0 {
		return t.FixedSampleSize
	}
	if int(index) < len(t.SampleSizes) {
		return t.SampleSizes[index]
	}
	return 0
}

// SampleForTime returns the index of the sample containing position
// (in TimeScale ticks), by walking the stts run-length table.
func (t *MP4Track) SampleForTime(position uint64) uint32 {
	var sampleIdx uint32
	var elapsed uint64
	for _, e := range t.STTS {
		runDuration := uint64(e.SampleCount) * uint64(e.SampleDelta)
		if elapsed+runDuration > position {
			offset := (position - elapsed) / uint64(e.SampleDelta)
			return sampleIdx + uint32(offset)
		}
		elapsed += runDuration
		sampleIdx += e.SampleCount
	}
	return sampleIdx
}

// TimeForSample returns the timescale-tick position where the given
// zero-based sample starts, the inverse of SampleForTime, so a seek can
// report the wall-time actually achieved at the frame boundary.
func (t *MP4Track) TimeForSample(sampleIndex uint32) uint64 {
	var elapsed uint64
	var idx uint32
	for _, e := range t.STTS {
		if sampleIndex < idx+e.SampleCount {
			return elapsed + uint64(sampleIndex-idx)*uint64(e.SampleDelta)
		}
		elapsed += uint64(e.SampleCount) * uint64(e.SampleDelta)
		idx += e.SampleCount
	}
	return elapsed
}

// Duration returns the track duration as a time.Duration, using mdhd's
// timescale.
func (t *MP4Track) DurationSeconds() time.Duration {
	if t.TimeScale == 0 {
		return 0
	}
	return time.Duration(t.Duration) * time.Second / time.Duration(t.TimeScale)
}
