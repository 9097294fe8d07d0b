// Package fileplayer implements the local/remote file pipeline:
// Stream to Demuxer to Decoder to mixer stream, with buffering/ready/
// end/seek events. Instead of owning a dedicated output stream, the
// player's Read method is itself a mixer.ReadFunc the mixer pulls from.
package fileplayer

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sparod/aircat/internal/codec"
	"github.com/sparod/aircat/internal/demux"
	"github.com/sparod/aircat/internal/mixer"
	"github.com/sparod/aircat/internal/ring"
	"github.com/sparod/aircat/internal/stream"
)

type demuxKind int

const (
	kindMP3 demuxKind = iota
	kindMP4
)

// cacheBytes bounds the optional read-ahead ring used for HTTP sources,
// matching the mixer's own cache-thread convention (bytes of native PCM).
const cacheBytes = 256 * 1024

// Events are the player's lifecycle callbacks: buffering, ready, end
// of stream, and completed seeks.
type Events struct {
	OnBuffering func()
	OnReady     func()
	OnEnd       func()
	OnSeek      func(achievedSeconds float64)
}

// Meta is the now-playing metadata a demuxer recovered while opening the
// stream (ID3 is not parsed for MP3; only MP4's "ilst" atom is).
type Meta struct {
	Title   string
	Artist  string
	Album   string
	Picture []byte
}

// ErrUnsupportedContentType is returned by Open for any content type
// besides "audio/mpeg" and "audio/mp4".
var ErrUnsupportedContentType = errors.New("fileplayer: unsupported content type")

// Player drives one open file or Icecast mount at a time.
type Player struct {
	mu sync.Mutex

	src  *stream.Stream
	kind demuxKind

	mp3  *demux.MP3Demux
	mp4  *demux.MP4Track
	meta Meta

	decoder codec.Decoder
	events  Events

	nextSample     uint32 // mp4 sample cursor
	durationMillis int64

	cache         *ring.Ring
	cacheStop     chan struct{}
	cacheWG       sync.WaitGroup
	cacheChannels int32 // written by runCache, read by readFromCache; 0 means "not yet known"

	ready bool
	ended bool
}

// New constructs an unopened player that will report lifecycle
// transitions through events.
func New(events Events) *Player {
	return &Player{events: events}
}

// Meta returns the metadata recovered at Open, if any.
func (p *Player) Meta() Meta {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta
}

// Open opens uri, selects a demuxer by content type, and constructs the
// matching decoder from the demuxer-reported config. Any previously open
// file is closed first.
func (p *Player) Open(uri string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeCurrentLocked()

	src, err := stream.Open(uri, 0)
	if err != nil {
		return err
	}

	var kind demuxKind
	var dec codec.Decoder
	var durationMillis int64
	var meta Meta

	switch src.ContentType() {
	case "audio/mpeg":
		kind = kindMP3
		m, err := demux.OpenMP3(src)
		if err != nil {
			src.Close()
			return err
		}
		p.mp3 = m
		durationMillis = m.Duration * 1000
		dec, err = codec.Open(codec.MP3, nil)
		if err != nil {
			src.Close()
			return err
		}

	case "audio/mp4":
		kind = kindMP4
		track, tags, err := demux.OpenMP4(src)
		if err != nil {
			src.Close()
			return err
		}
		p.mp4 = track
		meta = Meta{Title: tags.Title, Artist: tags.Artist, Album: tags.Album, Picture: tags.Cover}
		durationMillis = track.DurationSeconds().Milliseconds()
		dec, err = codec.Open(codec.AAC, track.ESDSConfig)
		if err != nil {
			src.Close()
			return err
		}

	default:
		ct := src.ContentType()
		src.Close()
		return fmt.Errorf("%w: %q", ErrUnsupportedContentType, ct)
	}

	p.src = src
	p.kind = kind
	p.decoder = dec
	p.meta = meta
	p.durationMillis = durationMillis
	p.nextSample = 0
	p.ready = false
	p.ended = false

	if isHTTPURI(uri) {
		if p.events.OnBuffering != nil {
			p.events.OnBuffering()
		}
		p.startCacheLocked()
	}
	return nil
}

func isHTTPURI(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

// Read is the mixer.ReadFunc this player's registered stream pulls from.
func (p *Player) Read(out []int16, format *mixer.Format) (int, error) {
	if p.cache != nil {
		return p.readFromCache(out)
	}
	return p.decodeInto(out, format)
}

// decodeInto drains any PCM already buffered in the decoder, then pulls
// and decodes demuxed frames/samples until it produces audio or hits a
// terminal end-of-stream, firing buffering/ready/end events along the
// way.
func (p *Player) decodeInto(out []int16, format *mixer.Format) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var info codec.Info
	if n, err := p.decoder.Decode(nil, out, &info); err == nil && n > 0 {
		applyFormat(format, &info)
		return n, nil
	}

	for {
		payload, err := p.nextPayloadLocked()
		if err != nil {
			if !p.ended {
				p.ended = true
				if p.events.OnEnd != nil {
					p.events.OnEnd()
				}
			}
			return 0, io.EOF
		}

		var decodeInfo codec.Info
		n, decErr := p.decoder.Decode(payload, out, &decodeInfo)

		if p.kind == kindMP3 {
			// The MP3 decoder reports how many bytes of the read-ahead
			// window it actually consumed; a report of zero means it
			// couldn't even confirm sync within a full buffer, which
			// only happens on a trailing partial frame at end of file.
			if decodeInfo.Used == 0 {
				if !p.ended {
					p.ended = true
					if p.events.OnEnd != nil {
						p.events.OnEnd()
					}
				}
				return 0, io.EOF
			}
			if seekErr := p.src.Seek(int64(decodeInfo.Used), stream.SeekCurrent); seekErr != nil {
				return 0, seekErr
			}
		}

		if decErr != nil {
			if errors.Is(decErr, codec.ErrResync) || errors.Is(decErr, codec.ErrBufferTooSmall) {
				continue // synced past garbage, or needs the next window; try again
			}
			return 0, decErr
		}
		if n == 0 {
			continue
		}
		if !p.ready {
			p.ready = true
			if p.events.OnReady != nil {
				p.events.OnReady()
			}
		}
		applyFormat(format, &decodeInfo)
		return n, nil
	}
}

// applyFormat propagates a decoder-reported format change back to the
// mixer stream's negotiated format.
func applyFormat(format *mixer.Format, info *codec.Info) {
	if format == nil || info.SampleRate == 0 {
		return
	}
	format.SampleRate = uint32(info.SampleRate)
	format.Channels = uint8(info.Channels)
}

func (p *Player) nextPayloadLocked() ([]byte, error) {
	switch p.kind {
	case kindMP3:
		return p.nextMP3WindowLocked()
	case kindMP4:
		return p.nextMP4SampleLocked()
	default:
		return nil, io.EOF
	}
}

// nextMP3WindowLocked tops up the stream's read-ahead buffer and hands
// the whole thing to the decoder, which locates its own frame boundary
// and reports how many bytes it consumed (demux.FindFirstFrame needs a
// two-frame lookahead to confirm sync, so a single sliced-out frame
// isn't enough context on its own).
func (p *Player) nextMP3WindowLocked() ([]byte, error) {
	// A read error here (typically EOF) doesn't necessarily mean there's
	// nothing left to decode: whatever was already buffered from the
	// prior fill may still hold one last frame.
	_, _ = p.src.Complete(0, 0)
	buf := p.src.Buffer()
	if len(buf) < 4 {
		return nil, io.EOF
	}
	return buf, nil
}

func (p *Player) nextMP4SampleLocked() ([]byte, error) {
	offset, size, err := p.mp4.SampleOffsetSize(p.nextSample)
	if err != nil || size == 0 {
		return nil, io.EOF
	}

	if err := p.src.Seek(offset, stream.SeekStart); err != nil {
		return nil, err
	}
	if _, err := p.src.Read(int(size), 0); err != nil {
		return nil, err
	}
	if p.src.Len() < int(size) {
		return nil, io.EOF
	}

	payload := append([]byte(nil), p.src.Buffer()...)
	p.nextSample++
	return payload, nil
}

// SetPos seeks to approximately sec seconds into the stream: resolves the
// nearest frame/sample boundary, reseeks the underlying stream, resets
// the decoder, and reports the achieved position via OnSeek.
func (p *Player) SetPos(sec float64) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.src == nil {
		return 0, errors.New("fileplayer: no file open")
	}
	if !p.src.Seekable() {
		return 0, errors.New("fileplayer: stream is not seekable")
	}

	var achieved float64
	switch p.kind {
	case kindMP3:
		duration := p.durationMillis
		if duration <= 0 {
			duration = 1
		}
		offset := p.mp3.SeekByteOffset(int64(sec*1000), duration, p.src.Size())
		if err := p.src.Seek(offset, stream.SeekStart); err != nil {
			return 0, err
		}
		achieved = sec

	case kindMP4:
		idx := p.mp4.SampleForTime(uint64(sec * float64(p.mp4.TimeScale)))
		offset, _, err := p.mp4.SampleOffsetSize(idx)
		if err != nil {
			return 0, err
		}
		if err := p.src.Seek(offset, stream.SeekStart); err != nil {
			return 0, err
		}
		p.nextSample = idx
		// Report the frame boundary actually landed on, not the request.
		if p.mp4.TimeScale > 0 {
			achieved = float64(p.mp4.TimeForSample(idx)) / float64(p.mp4.TimeScale)
		} else {
			achieved = sec
		}
	}

	p.decoder.Decode(nil, nil, &codec.Info{}) // reset internal decode position
	p.ended = false
	if p.cache != nil {
		p.cache.Reset()
	}

	if p.events.OnSeek != nil {
		p.events.OnSeek(achieved)
	}
	return achieved, nil
}

func (p *Player) startCacheLocked() {
	p.cache = ring.Open(cacheBytes, 4096)
	p.cacheStop = make(chan struct{})
	p.cacheWG.Add(1)
	go p.runCache()
}

// runCache is the producer side of the player's single-producer,
// single-consumer cache: it decodes ahead of whatever rate the mixer
// pulls at and buffers the PCM into a ring, so the device-side pull is
// always served locally.
func (p *Player) runCache() {
	defer p.cacheWG.Done()

	scratch := make([]int16, 2048)
	var format mixer.Format
	var pending []int16
	for {
		select {
		case <-p.cacheStop:
			return
		default:
		}

		if len(pending) == 0 {
			n, err := p.decodeInto(scratch, &format)
			if err != nil {
				if err == io.EOF {
					return
				}
				continue
			}
			if n == 0 {
				continue
			}
			channels := int(format.Channels)
			if channels == 0 {
				channels = 1
			}
			atomic.StoreInt32(&p.cacheChannels, int32(channels))
			pending = scratch[:n*channels]
		}

		// Write whatever fits; anything left over is carried into the
		// next pass rather than dropped.
		dst := p.cache.Write()
		if len(dst) < 2 {
			select {
			case <-p.cacheStop:
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
		p.cache.WriteForward(values * 2)
		pending = pending[values:]
	}
}

func (p *Player) readFromCache(out []int16) (int, error) {
	channels := int(atomic.LoadInt32(&p.cacheChannels))
	if channels == 0 {
		channels = 1
	}
	need := len(out) * 2
	buf := p.cache.Read(need, 0)
	values := len(buf) / 2
	values -= values % channels // keep whole frames only
	if values == 0 {
		return 0, nil
	}
	for i := 0; i < values; i++ {
		out[i] = int16(buf[i*2]) | int16(buf[i*2+1])<<8
	}
	p.cache.ReadForward(values * 2)
	return values / channels, nil
}

// stopCacheLocked must be called with p.mu held. It releases the lock
// while waiting for the feeder goroutine to exit, since that goroutine
// calls decodeInto and would otherwise deadlock trying to reacquire
// p.mu to observe the closed stop channel.
func (p *Player) stopCacheLocked() {
	if p.cacheStop == nil {
		return
	}
	close(p.cacheStop)
	p.mu.Unlock()
	p.cacheWG.Wait()
	p.mu.Lock()
	p.cache = nil
	p.cacheStop = nil
}

// closeCurrentLocked tears down whatever file/stream is currently open,
// if any, before Open replaces it.
func (p *Player) closeCurrentLocked() {
	p.stopCacheLocked()
	if p.decoder != nil {
		p.decoder.Close()
		p.decoder = nil
	}
	if p.src != nil {
		p.src.Close()
		p.src = nil
	}
}

// Close releases the currently open file and stops its cache feeder, if
// any.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCurrentLocked()
	return nil
}
