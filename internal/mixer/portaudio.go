package mixer

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/sparod/aircat/internal/config"
)

// streamState is the PortAudio module's private bookkeeping for one
// registered Stream: the silence-mixed buffer slot and the running
// played-sample counter GetStatusStream reports from.
type streamState struct {
	mu      sync.Mutex
	scratch []int16
	playing bool
	played  uint64 // samples, converted to ms in GetStatusStream
}

// PortAudioModule is the concrete built-in output Module: it opens one
// portaudio.Stream at a fixed device format and, on every callback,
// sums each playing Stream's pulled samples scaled by that stream's
// effective gain (device×handle×stream volume) into the output buffer.
type PortAudioModule struct {
	format Format

	mu      sync.Mutex
	volume  uint32
	stream  *portaudio.Stream
	members map[*Stream]*streamState
}

// NewPortAudioModule constructs an unopened module; call Open to start
// the device callback.
func NewPortAudioModule() *PortAudioModule {
	return &PortAudioModule{
		volume:  config.VolumeMax,
		members: make(map[*Stream]*streamState),
	}
}

// Open initializes PortAudio and starts an output stream at format.
func (p *PortAudioModule) Open(format Format) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("mixer: portaudio init: %w", err)
	}
	p.format = format

	outParams := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   mustDefaultOutputDevice(),
			Channels: int(format.Channels),
			Latency:  0,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: int(format.SampleRate) * config.DefaultMixIntervalMs / 1000,
	}

	stream, err := portaudio.OpenStream(outParams, p.callback)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("mixer: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("mixer: start stream: %w", err)
	}
	p.stream = stream
	return nil
}

func mustDefaultOutputDevice() *portaudio.DeviceInfo {
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil
	}
	return dev
}

// callback is PortAudio's per-buffer pull: mix every playing member
// stream into out at its effective gain.
func (p *PortAudioModule) callback(out []int16) {
	for i := range out {
		out[i] = 0
	}

	p.mu.Lock()
	members := make(map[*Stream]*streamState, len(p.members))
	for s, st := range p.members {
		members[s] = st
	}
	deviceVol := p.volume
	p.mu.Unlock()

	deviceChannels := int(p.format.Channels)
	outFrames := 0
	if deviceChannels > 0 {
		outFrames = len(out) / deviceChannels
	}

	for s, st := range members {
		st.mu.Lock()
		playing := st.playing
		st.mu.Unlock()
		if !playing || outFrames == 0 {
			continue
		}

		sameFormat := s.Format == p.format
		scratchLen := len(out)
		if !sameFormat && s.Format.Channels > 0 && s.Format.SampleRate > 0 {
			// Over-request input frames when the stream runs at a lower
			// rate than the device so the resampler always has enough
			// source material to fill outFrames.
			inFrames := outFrames*int(s.Format.SampleRate)/int(p.format.SampleRate) + 2
			scratchLen = inFrames * int(s.Format.Channels)
		}

		st.mu.Lock()
		if len(st.scratch) != scratchLen {
			st.scratch = make([]int16, scratchLen)
		}
		scratch := st.scratch
		st.mu.Unlock()

		n, err := s.Read(scratch)
		if err != nil || n == 0 {
			continue
		}

		mixSamples := scratch[:n*int(s.Format.Channels)]
		if !sameFormat {
			mixSamples = Resample(mixSamples, s.Format, p.format, outFrames)
			if len(mixSamples) == 0 {
				continue
			}
		}

		gain := s.EffectiveGain(deviceVol)
		limit := len(out)
		if len(mixSamples) < limit {
			limit = len(mixSamples)
		}
		for i := 0; i < limit; i++ {
			mixed := int32(out[i]) + int32(float64(mixSamples[i])*gain)
			out[i] = clampSample(mixed)
		}

		st.mu.Lock()
		st.played += uint64(n)
		st.mu.Unlock()
	}
}

func clampSample(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}

// Close stops the output stream and terminates PortAudio.
func (p *PortAudioModule) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	err := p.stream.Close()
	p.stream = nil
	portaudio.Terminate()
	return err
}

// SetVolume sets the device-wide volume composed into every stream's
// effective gain.
func (p *PortAudioModule) SetVolume(volume uint32) {
	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
}

// GetVolume returns the device-wide volume.
func (p *PortAudioModule) GetVolume() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// AddStream registers s for mixing.
func (p *PortAudioModule) AddStream(s *Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members[s] = &streamState{}
	return nil
}

// RemoveStream unregisters s.
func (p *PortAudioModule) RemoveStream(s *Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.members, s)
}

// PlayStream marks s eligible for mixing in the next callback.
func (p *PortAudioModule) PlayStream(s *Stream) {
	p.mu.Lock()
	st := p.members[s]
	p.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	st.playing = true
	st.mu.Unlock()
}

// PauseStream excludes s from mixing without forgetting its position.
func (p *PortAudioModule) PauseStream(s *Stream) {
	p.mu.Lock()
	st := p.members[s]
	p.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	st.playing = false
	st.mu.Unlock()
}

// FlushStream resets s's played-sample counter: buffered audio is
// discarded and the played-time accounting restarts from zero.
func (p *PortAudioModule) FlushStream(s *Stream) {
	p.mu.Lock()
	st := p.members[s]
	p.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	st.played = 0
	st.mu.Unlock()
}

// SetVolumeStream and GetVolumeStream are no-ops at the module level:
// per-stream volume is composed in Stream.EffectiveGain, not stored
// again here.
func (p *PortAudioModule) SetVolumeStream(s *Stream, volume uint32) {}

func (p *PortAudioModule) GetVolumeStream(s *Stream) uint32 { return 0 }

// GetStatusStream reports cumulative played milliseconds for
// StatusPlayedMillis.
func (p *PortAudioModule) GetStatusStream(s *Stream, key StatusKey) uint64 {
	p.mu.Lock()
	st := p.members[s]
	p.mu.Unlock()
	if st == nil {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	switch key {
	case StatusPlayedMillis:
		if s.Format.SampleRate == 0 {
			return 0
		}
		return st.played * 1000 / uint64(s.Format.SampleRate)
	default:
		return 0
	}
}
