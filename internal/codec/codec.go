// Package codec implements the audio decoders RAOP sessions and the
// file player feed PCM through: a uniform Decoder contract plus PCM,
// ALAC, MP3, and AAC implementations.
package codec

import "errors"

// Kind identifies which decoder Open should construct, selected by the
// RTSP ANNOUNCE rtpmap encoding or the file player's demuxed content type.
type Kind int

const (
	PCM Kind = iota
	ALAC
	MP3
	AAC
)

// ErrBufferTooSmall mirrors DECODER_ERROR_BUFLEN: the caller's out
// buffer cannot hold even one more decoded frame.
var ErrBufferTooSmall = errors.New("codec: output buffer too small")

// ErrResync mirrors DECODER_ERROR_SYNC: the decoder discarded leading
// bytes of in while looking for its next frame sync.
var ErrResync = errors.New("codec: resynchronized on frame boundary")

// Info reports what a Decode call did: how many input bytes it
// consumed, how many decoded samples remain buffered for a follow-up
// call with in=nil, and the format the decoder is currently emitting.
type Info struct {
	Used       int
	Remaining  int
	SampleRate int
	Channels   int
}

// Decoder is the uniform contract every codec implements. Decode with
// in=nil, out=nil resets internal position. Decode with in=nil,
// out!=nil drains buffered PCM without accepting new compressed input.
// A decoder that reports N returned samples must have written exactly
// N*channels values into out.
type Decoder interface {
	// SampleRate and Channels report the format negotiated at Open,
	// which AAC and MP4 may override once real audio data arrives.
	SampleRate() int
	Channels() int

	// Decode consumes from in (when non-nil), writes interleaved
	// 16-bit PCM samples into out, and returns the sample count
	// written along with bookkeeping in info.
	Decode(in []byte, out []int16, info *Info) (int, error)

	Close() error
}

// Open constructs the decoder for kind, parsing config the way the
// RTSP ANNOUNCE handler or file player hands it off: a RIFF "fmt "
// header for PCM, an ALAC magic cookie, or raw ADTS/ADIF/AudioSpecificConfig
// bytes for AAC. MP3 needs no config.
func Open(kind Kind, config []byte) (Decoder, error) {
	switch kind {
	case PCM:
		return newPCMDecoder(config)
	case ALAC:
		return newALACDecoder(config)
	case MP3:
		return newMP3Decoder(), nil
	case AAC:
		return newAACDecoder(config)
	default:
		return nil, errors.New("codec: unknown decoder kind")
	}
}
