package mixer

import (
	"testing"

	"github.com/sparod/aircat/internal/config"
)

// fakeModule is an in-memory Module stand-in so mixer logic can be
// exercised without a real audio device.
type fakeModule struct {
	opened  bool
	volume  uint32
	added   map[*Stream]bool
	played  map[*Stream]bool
	streamV map[*Stream]uint32
}

func newFakeModule() *fakeModule {
	return &fakeModule{
		added:   make(map[*Stream]bool),
		played:  make(map[*Stream]bool),
		streamV: make(map[*Stream]uint32),
	}
}

func (f *fakeModule) Open(format Format) error { f.opened = true; return nil }
func (f *fakeModule) Close() error             { f.opened = false; return nil }
func (f *fakeModule) SetVolume(v uint32)       { f.volume = v }
func (f *fakeModule) GetVolume() uint32        { return f.volume }

func (f *fakeModule) AddStream(s *Stream) error { f.added[s] = true; return nil }
func (f *fakeModule) RemoveStream(s *Stream)    { delete(f.added, s) }

func (f *fakeModule) PlayStream(s *Stream)  { f.played[s] = true }
func (f *fakeModule) PauseStream(s *Stream) { f.played[s] = false }
func (f *fakeModule) FlushStream(s *Stream) {}

func (f *fakeModule) SetVolumeStream(s *Stream, v uint32) { f.streamV[s] = v }
func (f *fakeModule) GetVolumeStream(s *Stream) uint32    { return f.streamV[s] }
func (f *fakeModule) GetStatusStream(s *Stream, key StatusKey) uint64 { return 0 }

func testRead(out []int16, format *Format) (int, error) {
	for i := range out {
		out[i] = 1000
	}
	return len(out) / int(format.Channels), nil
}

func TestMixerConfigureOpensModule(t *testing.T) {
	m := New()
	mod := newFakeModule()
	if err := m.Configure(mod, Format{SampleRate: 44100, Channels: 2}); err != nil {
		t.Fatal(err)
	}
	if !mod.opened {
		t.Error("module was not opened")
	}
}

func TestAddStreamRequiresOpenModule(t *testing.T) {
	m := New()
	h := m.NewHandle()
	if _, err := m.AddStream(h, "s1", "test", Format{SampleRate: 44100, Channels: 2}, 0, testRead, false); err != ErrNotOpen {
		t.Fatalf("err = %v, want ErrNotOpen", err)
	}
}

func TestEffectiveGainComposesDeviceHandleStream(t *testing.T) {
	m := New()
	mod := newFakeModule()
	if err := m.Configure(mod, Format{SampleRate: 44100, Channels: 2}); err != nil {
		t.Fatal(err)
	}
	h := m.NewHandle()
	h.SetVolume(config.VolumeMax / 2)

	s, err := m.AddStream(h, "s1", "test", Format{SampleRate: 44100, Channels: 2}, 0, testRead, false)
	if err != nil {
		t.Fatal(err)
	}
	m.SetStreamVolume(s, config.VolumeMax/2)

	gain := s.EffectiveGain(config.VolumeMax)
	want := 0.25
	if gain < want-0.01 || gain > want+0.01 {
		t.Errorf("EffectiveGain = %v, want ~%v", gain, want)
	}
}

func TestPlayPauseForwardsToModule(t *testing.T) {
	m := New()
	mod := newFakeModule()
	if err := m.Configure(mod, Format{SampleRate: 44100, Channels: 2}); err != nil {
		t.Fatal(err)
	}
	h := m.NewHandle()
	s, err := m.AddStream(h, "s1", "test", Format{SampleRate: 44100, Channels: 2}, 0, testRead, false)
	if err != nil {
		t.Fatal(err)
	}

	m.Play(s)
	if !s.Playing() || !mod.played[s] {
		t.Error("stream not marked playing after Play")
	}
	m.Pause(s)
	if s.Playing() || mod.played[s] {
		t.Error("stream still marked playing after Pause")
	}
}

func TestConfigureReloadRecreatesStreamsWithRememberedState(t *testing.T) {
	m := New()
	mod1 := newFakeModule()
	if err := m.Configure(mod1, Format{SampleRate: 44100, Channels: 2}); err != nil {
		t.Fatal(err)
	}
	h := m.NewHandle()
	s, err := m.AddStream(h, "s1", "test", Format{SampleRate: 44100, Channels: 2}, 0, testRead, false)
	if err != nil {
		t.Fatal(err)
	}
	m.SetStreamVolume(s, 12345)
	m.Play(s)

	mod2 := newFakeModule()
	if err := m.Configure(mod2, Format{SampleRate: 48000, Channels: 2}); err != nil {
		t.Fatal(err)
	}

	if len(mod2.added) != 1 {
		t.Fatalf("mod2 has %d streams, want 1", len(mod2.added))
	}
	var recreated *Stream
	for rs := range mod2.added {
		recreated = rs
	}
	if recreated.Playing() != true {
		t.Error("reloaded stream lost its playing flag")
	}
	if mod2.streamV[recreated] != 12345 {
		t.Errorf("reloaded stream volume = %d, want 12345", mod2.streamV[recreated])
	}
}

func TestRemoveStreamForgetsConfig(t *testing.T) {
	m := New()
	mod := newFakeModule()
	if err := m.Configure(mod, Format{SampleRate: 44100, Channels: 2}); err != nil {
		t.Fatal(err)
	}
	h := m.NewHandle()
	s, err := m.AddStream(h, "s1", "test", Format{SampleRate: 44100, Channels: 2}, 0, testRead, false)
	if err != nil {
		t.Fatal(err)
	}

	m.RemoveStream(s)
	if len(m.configs) != 0 {
		t.Errorf("configs still has %d entries after RemoveStream", len(m.configs))
	}
	if mod.added[s] {
		t.Error("module still has stream after RemoveStream")
	}
}

func TestStreamReadUsesCacheWhenEnabled(t *testing.T) {
	m := New()
	mod := newFakeModule()
	if err := m.Configure(mod, Format{SampleRate: 44100, Channels: 2}); err != nil {
		t.Fatal(err)
	}
	h := m.NewHandle()
	s, err := m.AddStream(h, "s1", "test", Format{SampleRate: 44100, Channels: 2}, 65536, testRead, true)
	if err != nil {
		t.Fatal(err)
	}
	defer m.RemoveStream(s)

	out := make([]int16, 64)
	for i := 0; i < 200; i++ {
		if n, _ := s.Read(out); n > 0 {
			return
		}
	}
	t.Error("cache-backed stream never produced samples")
}
