// Package mixer implements the output side of the audio core: a
// pluggable output module (an ALSA-equivalent driving
// github.com/gordonklaus/portaudio), per-handle/per-stream volume
// composition, reload semantics, and optional per-stream cache-feeder
// threads.
package mixer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sparod/aircat/internal/config"
	"github.com/sparod/aircat/internal/ring"
)

// Format is the sample rate / channel layout a stream or device is
// negotiated at.
type Format struct {
	SampleRate uint32
	Channels   uint8
}

// ReadFunc is a stream's upstream input callback: fill out with up to
// len(out)/Channels interleaved 16-bit samples, reporting how many
// samples (per channel) were written. A RAOP handle, file player, or
// any other producer implements this.
type ReadFunc func(out []int16, format *Format) (int, error)

// StatusKey names a per-stream status query.
type StatusKey int

const (
	// StatusPlayedMillis is the cumulative milliseconds of audio this
	// stream's module-side playback position has advanced.
	StatusPlayedMillis StatusKey = iota
)

// Module is the pluggable output device vtable every mixer backend
// implements; PortAudio provides the single built-in one.
type Module interface {
	Open(format Format) error
	Close() error

	SetVolume(volume uint32)
	GetVolume() uint32

	AddStream(s *Stream) error
	RemoveStream(s *Stream)

	PlayStream(s *Stream)
	PauseStream(s *Stream)
	FlushStream(s *Stream)

	SetVolumeStream(s *Stream, volume uint32)
	GetVolumeStream(s *Stream) uint32
	GetStatusStream(s *Stream, key StatusKey) uint64
}

// Handle groups streams under a per-module logical output with its own
// volume, composed into each member stream's effective gain.
type Handle struct {
	mixer  *Mixer
	volume uint32

	mu      sync.Mutex
	streams map[string]*Stream
}

// Volume returns the handle's volume in [0, config.VolumeMax].
func (h *Handle) Volume() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.volume
}

// SetVolume sets the handle's own volume, independent of any stream's.
func (h *Handle) SetVolume(v uint32) {
	h.mu.Lock()
	h.volume = clampVolume(v)
	h.mu.Unlock()
}

func clampVolume(v uint32) uint32 {
	if v > config.VolumeMax {
		return config.VolumeMax
	}
	return v
}

// Stream is one logical audio source registered with the mixer: owned
// by exactly one Handle, identified by a random ID, with its own
// declared format, volume, and cache.
type Stream struct {
	ID       string
	Name     string
	Format   Format
	CacheSize int // bytes of native format, see DESIGN.md's cache convention

	handle *Handle
	read   ReadFunc

	mu      sync.Mutex
	volume  uint32
	playing bool

	cache     *ring.Ring
	cacheStop chan struct{}
	cacheWG   sync.WaitGroup
}

// EffectiveGain returns the combined gain for this stream:
// device_vol × handle_vol × stream_vol / VolumeMax².
func (s *Stream) EffectiveGain(deviceVolume uint32) float64 {
	s.mu.Lock()
	streamVol := s.volume
	s.mu.Unlock()
	handleVol := s.handle.Volume()

	return float64(deviceVolume) * float64(handleVol) * float64(streamVol) /
		(float64(config.VolumeMax) * float64(config.VolumeMax))
}

// Resample converts in, carrying inFmt.Channels channels at
// inFmt.SampleRate, into exactly outFrames frames of outFmt.Channels
// channels at outFmt.SampleRate. Channel conversion is nearest-neighbour
// (mono duplicated to every output channel, anything wider averaged down
// to mono, equal counts passed through); the sample-rate conversion is a
// simple linear interpolation, enough for mixing streams whose native
// format disagrees with the device's.
func Resample(in []int16, inFmt, outFmt Format, outFrames int) []int16 {
	if inFmt.Channels == 0 || outFmt.Channels == 0 || len(in) == 0 || outFrames <= 0 {
		return nil
	}
	inFrames := len(in) / int(inFmt.Channels)
	if inFrames == 0 {
		return nil
	}

	mono := make([]int16, inFrames)
	for i := 0; i < inFrames; i++ {
		var sum int32
		for c := 0; c < int(inFmt.Channels); c++ {
			sum += int32(in[i*int(inFmt.Channels)+c])
		}
		mono[i] = int16(sum / int32(inFmt.Channels))
	}

	if inFmt.SampleRate == outFmt.SampleRate || inFmt.SampleRate == 0 {
		if outFrames > inFrames {
			outFrames = inFrames
		}
		return expandChannels(mono[:outFrames], outFrames, int(outFmt.Channels))
	}

	resampled := make([]int16, outFrames)
	for i := 0; i < outFrames; i++ {
		srcPos := float64(i) * float64(inFmt.SampleRate) / float64(outFmt.SampleRate)
		lo := int(srcPos)
		frac := srcPos - float64(lo)
		hi := lo + 1
		if hi >= inFrames {
			hi = inFrames - 1
		}
		if lo >= inFrames {
			lo = inFrames - 1
		}
		resampled[i] = int16(float64(mono[lo])*(1-frac) + float64(mono[hi])*frac)
	}
	return expandChannels(resampled, outFrames, int(outFmt.Channels))
}

func expandChannels(mono []int16, frames, channels int) []int16 {
	out := make([]int16, frames*channels)
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			out[i*channels+c] = mono[i]
		}
	}
	return out
}

// Playing reports the stream's current play/pause state.
func (s *Stream) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Read pulls the next batch of samples, preferring the cache-feeder
// ring (if this stream requested one) over calling the upstream
// ReadFunc directly.
func (s *Stream) Read(out []int16) (int, error) {
	if s.cache == nil {
		return s.read(out, &s.Format)
	}

	channels := int(s.Format.Channels)
	if channels == 0 {
		channels = 1
	}
	need := len(out) * 2 // bytes, int16 = 2 bytes/sample
	buf := s.cache.Read(need, 0)
	values := len(buf) / 2
	values -= values % channels // keep whole frames only
	if values == 0 {
		return 0, nil
	}
	for i := 0; i < values; i++ {
		out[i] = int16(buf[i*2]) | int16(buf[i*2+1])<<8
	}
	s.cache.ReadForward(values * 2)
	return values / channels, nil
}

// useCacheThread starts a feeder goroutine that continuously pulls
// ahead from the upstream ReadFunc into s.cache, so the device-side
// pull in Read is always served from memory already local to the
// mixer.
func (s *Stream) useCacheThread() {
	s.cache = ring.Open(s.CacheSize, 4096)
	s.cacheStop = make(chan struct{})
	s.cacheWG.Add(1)

	go func() {
		defer s.cacheWG.Done()
		scratch := make([]int16, 2048)
		var pending []int16
		for {
			select {
			case <-s.cacheStop:
				return
			default:
			}

			if len(pending) == 0 {
				n, err := s.read(scratch, &s.Format)
				if err != nil || n == 0 {
					continue
				}
				channels := int(s.Format.Channels)
				if channels == 0 {
					channels = 1
				}
				pending = scratch[:n*channels]
			}

			// Write whatever fits; carry the remainder instead of
			// dropping decoded audio when the ring is full.
			dst := s.cache.Write()
			if len(dst) < 2 {
				select {
				case <-s.cacheStop:
					return
				case <-time.After(5 * time.Millisecond):
				}
				continue
			}
			values := len(pending)
			if max := len(dst) / 2; values > max {
				values = max
			}
			for i := 0; i < values; i++ {
				dst[i*2] = byte(pending[i])
				dst[i*2+1] = byte(pending[i] >> 8)
			}
			s.cache.WriteForward(values * 2)
			pending = pending[values:]
		}
	}()
}

func (s *Stream) stopCacheThread() {
	if s.cacheStop == nil {
		return
	}
	close(s.cacheStop)
	s.cacheWG.Wait()
}

// streamConfig remembers everything needed to recreate a stream after a
// reload (module or format change).
type streamConfig struct {
	name      string
	format    Format
	cacheSize int
	read      ReadFunc
	volume    uint32
	playing   bool
}

// Mixer owns the single active output Module and every Handle/Stream
// registered against it, and implements reload-on-config-change.
type Mixer struct {
	mu      sync.Mutex
	module  Module
	format  Format
	handles map[*Handle]struct{}
	configs map[string]*streamConfig // keyed by stream ID, survives reload
}

// ErrNotOpen is returned by operations that need an active module.
var ErrNotOpen = errors.New("mixer: no output module open")

// New constructs an empty Mixer; call Configure to open a module.
func New() *Mixer {
	return &Mixer{
		handles: make(map[*Handle]struct{}),
		configs: make(map[string]*streamConfig),
	}
}

// Configure (re)opens module at format. If a module was already open,
// every currently registered stream is torn down and recreated under
// the new module/format with its remembered name, format, cache size,
// input callback, playing flag, and relative volume, so a
// module/samplerate/channels change is invisible to producers.
func (m *Mixer) Configure(module Module, format Format) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.module != nil {
		if err := m.module.Close(); err != nil {
			return fmt.Errorf("mixer: close previous module: %w", err)
		}
	}

	if err := module.Open(format); err != nil {
		return fmt.Errorf("mixer: open module: %w", err)
	}
	m.module = module
	m.format = format

	// Re-register every surviving stream object with the new module so
	// callers' stream handles stay valid across the reload, replaying
	// each stream's remembered volume and playing flag.
	for _, h := range m.handlesSlice() {
		for _, s := range m.streamsForHandle(h) {
			if err := m.module.AddStream(s); err != nil {
				return err
			}
			if cfg, ok := m.configs[s.ID]; ok {
				m.setStreamVolumeLocked(s, cfg.volume)
				if cfg.playing {
					m.playLocked(s)
				}
			}
		}
	}
	return nil
}

func (m *Mixer) handlesSlice() []*Handle {
	out := make([]*Handle, 0, len(m.handles))
	for h := range m.handles {
		out = append(out, h)
	}
	return out
}

func (m *Mixer) streamsForHandle(h *Handle) []*Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Stream, 0, len(h.streams))
	for _, s := range h.streams {
		out = append(out, s)
	}
	return out
}

// NewHandle registers a new output handle grouping.
func (m *Mixer) NewHandle() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := &Handle{mixer: m, volume: config.VolumeMax, streams: make(map[string]*Stream)}
	m.handles[h] = struct{}{}
	return h
}

// AddStream registers a new stream under h, optionally starting a
// cache-feeder goroutine when useCache is true.
func (m *Mixer) AddStream(h *Handle, id, name string, format Format, cacheSize int, read ReadFunc, useCache bool) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.addStreamLocked(h, id, name, format, cacheSize, read)
	if err != nil {
		return nil, err
	}

	m.configs[id] = &streamConfig{name: name, format: format, cacheSize: cacheSize, read: read, volume: s.volume}
	if useCache {
		s.useCacheThread()
	}
	return s, nil
}

func (m *Mixer) addStreamLocked(h *Handle, id, name string, format Format, cacheSize int, read ReadFunc) (*Stream, error) {
	if m.module == nil {
		return nil, ErrNotOpen
	}
	s := &Stream{
		ID:        id,
		Name:      name,
		Format:    format,
		CacheSize: cacheSize,
		handle:    h,
		read:      read,
		volume:    config.VolumeMax,
	}
	if err := m.module.AddStream(s); err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.streams[s.ID] = s
	h.mu.Unlock()
	return s, nil
}

// RemoveStream tears down s: stops its cache feeder, removes it from
// the module, and forgets its reload config.
func (m *Mixer) RemoveStream(s *Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.stopCacheThread()
	if m.module != nil {
		m.module.RemoveStream(s)
	}
	s.handle.mu.Lock()
	delete(s.handle.streams, s.ID)
	s.handle.mu.Unlock()
	delete(m.configs, s.ID)
}

func (m *Mixer) playLocked(s *Stream) {
	s.mu.Lock()
	s.playing = true
	s.mu.Unlock()
	if cfg, ok := m.configs[s.ID]; ok {
		cfg.playing = true
	}
	m.module.PlayStream(s)
}

// Play, Pause, and Flush forward to the active module and persist the
// playing flag for reload.
func (m *Mixer) Play(s *Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playLocked(s)
}

func (m *Mixer) Pause(s *Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.mu.Lock()
	s.playing = false
	s.mu.Unlock()
	if cfg, ok := m.configs[s.ID]; ok {
		cfg.playing = false
	}
	m.module.PauseStream(s)
}

func (m *Mixer) Flush(s *Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.module.FlushStream(s)
}

// SetStreamVolume sets s's own volume and remembers it for reload.
func (m *Mixer) SetStreamVolume(s *Stream, volume uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStreamVolumeLocked(s, volume)
}

func (m *Mixer) setStreamVolumeLocked(s *Stream, volume uint32) {
	volume = clampVolume(volume)
	s.mu.Lock()
	s.volume = volume
	s.mu.Unlock()
	if cfg, ok := m.configs[s.ID]; ok {
		cfg.volume = volume
	}
	if m.module != nil {
		m.module.SetVolumeStream(s, volume)
	}
}

// Close tears down the active module.
func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.module == nil {
		return nil
	}
	err := m.module.Close()
	m.module = nil
	return err
}
