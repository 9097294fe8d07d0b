package raop

import (
	"encoding/base64"
	"net"
	"testing"

	"github.com/sparod/aircat/internal/codec"
	"github.com/sparod/aircat/internal/config"
	"github.com/sparod/aircat/internal/mixer"
	"github.com/sparod/aircat/internal/sdp"
)

// fakeModule is a minimal in-memory mixer.Module so volume-mapping tests
// don't need a real output device.
type fakeModule struct {
	streamV map[*mixer.Stream]uint32
}

func newFakeModule() *fakeModule {
	return &fakeModule{streamV: make(map[*mixer.Stream]uint32)}
}

func (f *fakeModule) Open(format mixer.Format) error { return nil }
func (f *fakeModule) Close() error                   { return nil }
func (f *fakeModule) SetVolume(v uint32)              {}
func (f *fakeModule) GetVolume() uint32               { return 0 }
func (f *fakeModule) AddStream(s *mixer.Stream) error { return nil }
func (f *fakeModule) RemoveStream(s *mixer.Stream)    {}
func (f *fakeModule) PlayStream(s *mixer.Stream)      {}
func (f *fakeModule) PauseStream(s *mixer.Stream)     {}
func (f *fakeModule) FlushStream(s *mixer.Stream)     {}
func (f *fakeModule) SetVolumeStream(s *mixer.Stream, v uint32) { f.streamV[s] = v }
func (f *fakeModule) GetVolumeStream(s *mixer.Stream) uint32    { return f.streamV[s] }
func (f *fakeModule) GetStatusStream(s *mixer.Stream, key mixer.StatusKey) uint64 { return 0 }

func noopRead(out []int16, format *mixer.Format) (int, error) { return 0, nil }

// stubDecoder is a minimal codec.Decoder for tests that only need
// SampleRate()/Channels(), such as progress-timestamp math.
type stubDecoder struct {
	sampleRate int
	channels   int
}

func (d *stubDecoder) SampleRate() int { return d.sampleRate }
func (d *stubDecoder) Channels() int   { return d.channels }
func (d *stubDecoder) Decode(in []byte, out []int16, info *codec.Info) (int, error) {
	return 0, nil
}
func (d *stubDecoder) Close() error { return nil }

func newWiredSession(t *testing.T) (*Manager, *Session, *mixer.Stream, *fakeModule) {
	t.Helper()
	mx := mixer.New()
	mod := newFakeModule()
	if err := mx.Configure(mod, mixer.Format{SampleRate: 44100, Channels: 2}); err != nil {
		t.Fatal(err)
	}
	m := NewManager(mx, net.ParseIP("10.0.0.1"), net.HardwareAddr{0, 1, 2, 3, 4, 5})

	h := mx.NewHandle()
	stream, err := mx.AddStream(h, "sess1", "raop", mixer.Format{SampleRate: 44100, Channels: 2}, 0, noopRead, false)
	if err != nil {
		t.Fatal(err)
	}

	s := &Session{streamMixer: mx, stream: stream, decoder: &stubDecoder{sampleRate: 44100, channels: 2}}
	return m, s, stream, mod
}

func TestApplyVolumeMapsDecibelRangeToLinearVolume(t *testing.T) {
	m, s, stream, mod := newWiredSession(t)

	m.applyVolumeLocked(s, "0")
	if mod.streamV[stream] != config.VolumeMax {
		t.Errorf("volume at 0dB = %d, want VolumeMax (%d)", mod.streamV[stream], config.VolumeMax)
	}

	m.applyVolumeLocked(s, "-30")
	if mod.streamV[stream] != 0 {
		t.Errorf("volume at -30dB = %d, want 0", mod.streamV[stream])
	}

	m.applyVolumeLocked(s, "-15")
	want := config.VolumeMax / 2
	got := mod.streamV[stream]
	if got < want-100 || got > want+100 {
		t.Errorf("volume at -15dB = %d, want ~%d", got, want)
	}
}

func TestApplyVolumeMutesAtMinusInfinity(t *testing.T) {
	m, s, stream, mod := newWiredSession(t)
	m.applyVolumeLocked(s, "-144.0")
	if mod.streamV[stream] != 0 {
		t.Errorf("volume at -144.0dB = %d, want 0 (mute)", mod.streamV[stream])
	}
	if s.volumeDB != -144.0 {
		t.Errorf("s.volumeDB = %v, want -144.0", s.volumeDB)
	}
}

func TestApplyVolumeIgnoresGarbage(t *testing.T) {
	m, s, stream, mod := newWiredSession(t)
	m.applyVolumeLocked(s, "0")
	before := mod.streamV[stream]
	m.applyVolumeLocked(s, "not-a-number")
	if mod.streamV[stream] != before {
		t.Error("applyVolumeLocked changed volume on an unparseable value")
	}
}

func TestApplyProgressComputesPositionAndDuration(t *testing.T) {
	_, s, _, _ := newWiredSession(t)
	// start=0, cur=44100 (1s in), end=441000 (10s total) at 44100Hz.
	applyProgressLocked(s, "0/44100/441000")
	if s.meta.Position != 1.0 {
		t.Errorf("Position = %v, want 1.0", s.meta.Position)
	}
	if s.meta.Duration != 10.0 {
		t.Errorf("Duration = %v, want 10.0", s.meta.Duration)
	}
}

func TestApplyProgressIgnoresMalformedValue(t *testing.T) {
	_, s, _, _ := newWiredSession(t)
	applyProgressLocked(s, "garbage")
	if s.meta.Position != 0 || s.meta.Duration != 0 {
		t.Error("malformed progress value should leave metadata untouched")
	}
}

func TestApplyDMAPExtractsNowPlayingFields(t *testing.T) {
	title := encodeTag("minm", []byte("Song"))
	artist := encodeTag("asar", []byte("Artist"))
	album := encodeTag("asal", []byte("Album"))
	items, err := ParseDMAP(append(append(title, artist...), album...))
	if err != nil {
		t.Fatal(err)
	}

	s := &Session{}
	applyDMAPLocked(s, items)
	if s.meta.Title != "Song" || s.meta.Artist != "Artist" || s.meta.Album != "Album" {
		t.Errorf("meta = %+v, want Song/Artist/Album", s.meta)
	}
}

func TestSamplesPerFrameByKind(t *testing.T) {
	cases := []struct {
		kind codec.Kind
		media *sdp.Media
		want int
	}{
		{codec.AAC, &sdp.Media{}, 1024},
		{codec.MP3, &sdp.Media{}, 1152},
		{codec.PCM, &sdp.Media{}, 352},
		{codec.ALAC, &sdp.Media{FmtpParams: []string{"4096"}}, 4096},
		{codec.ALAC, &sdp.Media{}, 352},
	}
	for _, c := range cases {
		if got := samplesPerFrame(c.kind, c.media); got != c.want {
			t.Errorf("samplesPerFrame(%v) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestBuildWAVHeaderDefaultsAndFields(t *testing.T) {
	media := &sdp.Media{RTPMapChannels: 2, RTPMapClockRate: 44100}
	buf := buildWAVHeader(media)
	if len(buf) != 44 {
		t.Fatalf("header is %d bytes, want 44", len(buf))
	}
	if string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WAVE" || string(buf[36:40]) != "data" {
		t.Errorf("header chunk ids wrong: %q", buf)
	}
	if got := int(buf[22]) | int(buf[23])<<8; got != 2 {
		t.Errorf("channel count = %d, want 2", got)
	}
}

func TestBuildWAVHeaderFallsBackToDefaultsWhenUnset(t *testing.T) {
	buf := buildWAVHeader(&sdp.Media{})
	rate := uint32(buf[24]) | uint32(buf[25])<<8 | uint32(buf[26])<<16 | uint32(buf[27])<<24
	if rate != 44100 {
		t.Errorf("default sample rate = %d, want 44100", rate)
	}
}

func TestBuildALACCookieMatchesCodecOffsets(t *testing.T) {
	media := &sdp.Media{FmtpParams: []string{
		"352", "0", "16", "40", "10", "14", "2", "255", "0", "0", "44100",
	}}
	cookie, err := buildALACCookie(media)
	if err != nil {
		t.Fatal(err)
	}
	if len(cookie) != 56 {
		t.Fatalf("cookie is %d bytes, want 56", len(cookie))
	}
	if _, err := codec.Open(codec.ALAC, cookie); err != nil {
		t.Errorf("codec.Open(ALAC, cookie) failed: %v", err)
	}
}

func TestBuildALACCookieRejectsIncompleteFmtp(t *testing.T) {
	if _, err := buildALACCookie(&sdp.Media{}); err == nil {
		t.Error("expected an error for an empty fmtp field list")
	}
}

func TestAppleResponseProducesUnpaddedBase64(t *testing.T) {
	m := NewManager(mixer.New(), net.ParseIP("10.0.0.1"), net.HardwareAddr{0, 1, 2, 3, 4, 5})
	challenge := base64.StdEncoding.EncodeToString(make([]byte, 16))

	resp, err := m.appleResponse(challenge, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := base64.RawStdEncoding.DecodeString(resp); err != nil {
		t.Errorf("Apple-Response is not valid base64: %v", err)
	}
}

func TestDecodeLooseAcceptsPaddedAndUnpadded(t *testing.T) {
	raw := []byte("hello raop")
	padded := base64.StdEncoding.EncodeToString(raw)
	unpadded := base64.RawStdEncoding.EncodeToString(raw)

	for _, s := range []string{padded, unpadded} {
		got, err := decodeLoose(s)
		if err != nil {
			t.Fatalf("decodeLoose(%q): %v", s, err)
		}
		if string(got) != string(raw) {
			t.Errorf("decodeLoose(%q) = %q, want %q", s, got, raw)
		}
	}
}

func TestParseTransportField(t *testing.T) {
	transport := "RTP/AVP/UDP;unicast;interleaved=0-1;control_port=6001;timing_port=6002"
	if got := parseTransportField(transport, "control_port"); got != "6001" {
		t.Errorf("control_port = %q, want 6001", got)
	}
	if got := parseTransportField(transport, "missing"); got != "" {
		t.Errorf("missing field = %q, want empty", got)
	}
}
