package codec

import (
	"encoding/binary"
	"fmt"
)

// alacConfig holds the fields carried in the ALAC magic cookie handed
// out of the RTSP ANNOUNCE fmtp line: everything the Hammerton-style
// decoder needs besides the compressed bitstream itself.
type alacConfig struct {
	samplesPerFrame    uint32
	sampleSize         uint8
	riceHistoryMult    uint8
	riceInitialHistory uint8
	riceKModifier      uint8
	numChannels        uint8
	sampleRate         uint32
}

const riceThreshold = 8

// parseALACCookie reads the fixed-offset magic cookie: a 24-byte
// "size/frma/alac/size/alac/zero" atom header prefix, followed by the
// 24-byte core ALACSpecificConfig (frame length, sample size, rice
// parameters, channel count, two reserved fields, and sample rate).
func parseALACCookie(config []byte) (*alacConfig, error) {
	if len(config) < 55 {
		return nil, fmt.Errorf("codec: alac config too short: %d bytes", len(config))
	}

	p := config[24:]
	cfg := &alacConfig{
		samplesPerFrame:    binary.BigEndian.Uint32(p[0:4]),
		sampleSize:         p[5],
		riceHistoryMult:    p[6],
		riceInitialHistory: p[7],
		riceKModifier:      p[8],
		numChannels:        p[9],
		sampleRate:         binary.BigEndian.Uint32(p[16:20]),
	}
	if cfg.numChannels == 0 || cfg.numChannels > 2 {
		return nil, fmt.Errorf("codec: unsupported ALAC channel count %d", cfg.numChannels)
	}
	if cfg.samplesPerFrame == 0 {
		return nil, fmt.Errorf("codec: invalid ALAC frame length")
	}
	return cfg, nil
}

// alacDecoder decodes Apple Lossless frames into interleaved 16-bit
// PCM. Only the 16-bit sample-size path is implemented: every AirPlay
// source negotiates 16-bit ALAC.
type alacDecoder struct {
	cfg *alacConfig

	predictError    [2][]int32
	outputSamples   [2][]int32
	uncompressedBuf [2][]int32

	pcm       []int16
	pcmRemain int
}

func newALACDecoder(config []byte) (*alacDecoder, error) {
	cfg, err := parseALACCookie(config)
	if err != nil {
		return nil, err
	}
	if cfg.sampleSize != 16 {
		return nil, fmt.Errorf("codec: unsupported ALAC sample size %d", cfg.sampleSize)
	}

	d := &alacDecoder{cfg: cfg}
	for i := 0; i < 2; i++ {
		d.predictError[i] = make([]int32, cfg.samplesPerFrame)
		d.outputSamples[i] = make([]int32, cfg.samplesPerFrame)
		d.uncompressedBuf[i] = make([]int32, cfg.samplesPerFrame)
	}
	return d, nil
}

func (d *alacDecoder) SampleRate() int { return int(d.cfg.sampleRate) }
func (d *alacDecoder) Channels() int   { return int(d.cfg.numChannels) }

func (d *alacDecoder) Decode(in []byte, out []int16, info *Info) (int, error) {
	if in == nil && out == nil {
		if len(d.pcm) > 0 {
			// Reset to the start of whatever is still buffered.
		}
		*info = Info{SampleRate: d.SampleRate(), Channels: d.Channels()}
		return 0, nil
	}

	if d.pcmRemain > 0 || in == nil {
		n := d.drain(out)
		*info = Info{Remaining: d.pcmRemain, SampleRate: d.SampleRate(), Channels: d.Channels()}
		return n, nil
	}

	if len(in) == 0 {
		*info = Info{SampleRate: d.SampleRate(), Channels: d.Channels()}
		return 0, nil
	}

	pcm, err := d.decodeFrame(in)
	if err != nil {
		return 0, err
	}
	d.pcm = pcm
	d.pcmRemain = len(pcm)

	n := d.drain(out)
	*info = Info{Used: len(in), Remaining: d.pcmRemain, SampleRate: d.SampleRate(), Channels: d.Channels()}
	return n, nil
}

func (d *alacDecoder) drain(out []int16) int {
	pos := len(d.pcm) - d.pcmRemain
	n := d.pcmRemain
	if n > len(out) {
		n = len(out)
	}
	copy(out[:n], d.pcm[pos:pos+n])
	d.pcmRemain -= n
	return n
}

func (d *alacDecoder) Close() error { return nil }

type alacBitReader struct {
	buf []byte
	pos int // byte offset
	acc int // bit accumulator, 0..7
}

func (r *alacBitReader) readBits16(bits int) uint32 {
	result := uint32(r.buf[r.pos])<<16 | uint32(r.buf[r.pos+1])<<8 | uint32(r.buf[r.pos+2])
	result <<= uint(r.acc)
	result &= 0x00ffffff
	result >>= uint(24 - bits)

	newAcc := r.acc + bits
	r.pos += newAcc >> 3
	r.acc = newAcc & 7
	return result
}

func (r *alacBitReader) readBits(bits int) uint32 {
	var result uint32
	if bits > 16 {
		bits -= 16
		result = r.readBits16(16) << uint(bits)
	}
	result |= r.readBits16(bits)
	return result
}

func (r *alacBitReader) readBit() int {
	result := int(r.buf[r.pos])
	result = (result << uint(r.acc)) >> 7 & 1

	newAcc := r.acc + 1
	r.pos += newAcc / 8
	r.acc = newAcc % 8
	return result
}

func (r *alacBitReader) unreadBits(bits int) {
	newAcc := r.acc - bits
	r.pos += newAcc >> 3
	r.acc = newAcc & 7
	if r.acc < 0 {
		r.acc = -r.acc
	}
}

func signExtend32(val int32, bits uint) int32 {
	return (val << (32 - bits)) >> (32 - bits)
}

func signOnly(v int32) int32 {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}

func countLeadingZeros32(v int32) int {
	if v == 0 {
		return 32
	}
	u := uint32(v)
	n := 0
	for u&0x80000000 == 0 {
		u <<= 1
		n++
	}
	return n
}

func (r *alacBitReader) entropyDecodeValue(readSampleSize, k int, kModifierMask uint32) int32 {
	var x int32
	for x <= riceThreshold && r.readBit() != 0 {
		x++
	}

	if x > riceThreshold {
		value := r.readBits(readSampleSize)
		value &= uint32(0xffffffff) >> uint(32-readSampleSize)
		return int32(value)
	}

	if k != 1 {
		extraBits := int32(r.readBits(k))
		x *= int32((uint32(1)<<uint(k) - 1) & kModifierMask)
		if extraBits > 1 {
			x += extraBits - 1
		} else {
			r.unreadBits(1)
		}
	}
	return x
}

func (r *alacBitReader) entropyRiceDecode(out []int32, readSampleSize, riceInitialHistory, riceKModifier int, riceHistoryMult int) {
	history := riceInitialHistory
	signModifier := int32(0)

	for i := 0; i < len(out); i++ {
		k := 31 - riceKModifier - countLeadingZeros32(int32(history>>9)+3)
		if k < 0 {
			k += riceKModifier
		} else {
			k = riceKModifier
		}

		decoded := r.entropyDecodeValue(readSampleSize, k, 0xFFFFFFFF)
		decoded += signModifier

		final := (decoded + 1) / 2
		if decoded&1 != 0 {
			final = -final
		}
		out[i] = final

		signModifier = 0
		history += int((decoded * int32(riceHistoryMult)) - int32((history*riceHistoryMult)>>9))
		if decoded > 0xFFFF {
			history = 0xFFFF
		}

		if history < 128 && i+1 < len(out) {
			signModifier = 1
			k = countLeadingZeros32(int32(history)) + (history+16)/64 - 24
			blockSize := r.entropyDecodeValue(16, k, uint32((1<<uint(riceKModifier))-1))
			if blockSize > 0 {
				for j := 0; j < int(blockSize) && i+1+j < len(out); j++ {
					out[i+1+j] = 0
				}
				i += int(blockSize)
			}
			if blockSize > 0xFFFF {
				signModifier = 0
			}
			history = 0
		}
	}
}

func predictorDecompressFIRAdapt(errorBuf, bufOut []int32, readSampleSize int, coefTable []int16, coefNum, quant int) {
	bufOut[0] = errorBuf[0]

	if coefNum == 0 {
		for i := 1; i < len(errorBuf); i++ {
			bufOut[i] = errorBuf[i]
		}
		return
	}

	if coefNum == 0x1f {
		for i := 0; i < len(bufOut)-1; i++ {
			prev := bufOut[i]
			errVal := errorBuf[i+1]
			bufOut[i+1] = signExtend32(prev+errVal, uint(readSampleSize))
		}
		return
	}

	for i := 0; i < coefNum; i++ {
		val := bufOut[i] + errorBuf[i+1]
		bufOut[i+1] = signExtend32(val, uint(readSampleSize))
	}

	for i := coefNum + 1; i < len(bufOut); i++ {
		var sum int32
		errVal := errorBuf[i]

		base := bufOut[i-coefNum-1] // alias of "buffer_out[0]" in the sliding-window C version
		for j := 0; j < coefNum; j++ {
			sum += (bufOut[i-1-j] - base) * int32(coefTable[j])
		}

		outval := int32(1<<uint(quant-1)) + sum
		outval >>= uint(quant)
		outval = outval + base + errVal
		outval = signExtend32(outval, uint(readSampleSize))
		bufOut[i] = outval

		if errVal > 0 {
			predictorNum := coefNum - 1
			for predictorNum >= 0 && errVal > 0 {
				val := base - bufOut[i-1-predictorNum]
				sign := signOnly(val)
				coefTable[predictorNum] -= int16(sign)
				val *= sign
				errVal -= (val >> uint(quant)) * int32(coefNum-predictorNum)
				predictorNum--
			}
		} else if errVal < 0 {
			predictorNum := coefNum - 1
			for predictorNum >= 0 && errVal < 0 {
				val := base - bufOut[i-1-predictorNum]
				sign := -signOnly(val)
				coefTable[predictorNum] -= int16(sign)
				val *= sign
				errVal -= (val >> uint(quant)) * int32(coefNum-predictorNum)
				predictorNum--
			}
		}
	}
}

func deinterlace16(a, b []int32, out []int16, numChannels int, interlacingShift, interlacingLeftWeight uint8) {
	if interlacingLeftWeight != 0 {
		for i := range a {
			midright := a[i]
			difference := b[i]
			right := int16(midright - ((difference * int32(interlacingLeftWeight)) >> interlacingShift))
			left := right + int16(difference)
			out[i*numChannels] = left
			out[i*numChannels+1] = right
		}
		return
	}
	for i := range a {
		out[i*numChannels] = int16(a[i])
		out[i*numChannels+1] = int16(b[i])
	}
}

// decodeFrame handles the 16-bit sample size path: read the per-frame
// header, rice-decode each channel's
// prediction error, run the adaptive FIR predictor, and deinterlace
// stereo (or pass through mono) into 16-bit PCM.
func (d *alacDecoder) decodeFrame(in []byte) ([]int16, error) {
	r := &alacBitReader{buf: in}

	channels := int(r.readBits(3)) // 0 = mono, 1 = stereo
	numOutputSamples := int(d.cfg.samplesPerFrame)

	r.readBits(4)
	r.readBits(12)
	hasSize := r.readBits(1)
	uncompressedBytes := int(r.readBits(2))
	isNotCompressed := r.readBits(1)

	if hasSize != 0 {
		numOutputSamples = int(r.readBits(32))
	}

	readSampleSize := int(d.cfg.sampleSize) - (uncompressedBytes * 8) + channels

	var interlacingShift, interlacingLeftWeight uint8

	if isNotCompressed == 0 {
		interlacingShift = uint8(r.readBits(8))
		interlacingLeftWeight = uint8(r.readBits(8))

		predictionType := make([]int, channels+1)
		predictionQuant := make([]int, channels+1)
		riceModifier := make([]int, channels+1)
		coefNum := make([]int, channels+1)
		coefTable := make([][]int16, channels+1)

		for i := 0; i <= channels; i++ {
			predictionType[i] = int(r.readBits(4))
			predictionQuant[i] = int(r.readBits(4))
			riceModifier[i] = int(r.readBits(3))
			coefNum[i] = int(r.readBits(5))

			coefTable[i] = make([]int16, coefNum[i])
			for j := 0; j < coefNum[i]; j++ {
				coefTable[i][j] = int16(r.readBits(16))
			}
		}

		if uncompressedBytes > 0 {
			for i := 0; i < numOutputSamples; i++ {
				for j := 0; j <= channels; j++ {
					d.uncompressedBuf[j][i] = int32(r.readBits(uncompressedBytes * 8))
				}
			}
		}

		for i := 0; i <= channels; i++ {
			historyMult := riceModifier[i] * int(d.cfg.riceHistoryMult) / 4
			r.entropyRiceDecode(d.predictError[i][:numOutputSamples], readSampleSize,
				int(d.cfg.riceInitialHistory), int(d.cfg.riceKModifier), historyMult)

			if predictionType[i] == 0 {
				predictorDecompressFIRAdapt(d.predictError[i][:numOutputSamples], d.outputSamples[i][:numOutputSamples],
					readSampleSize, coefTable[i], coefNum[i], predictionQuant[i])
			} else {
				return nil, fmt.Errorf("codec: alac prediction type %d not implemented", predictionType[i])
			}
		}
	} else {
		for i := 0; i < numOutputSamples; i++ {
			for j := 0; j <= channels; j++ {
				bits := int32(r.readBits(int(d.cfg.sampleSize)))
				d.outputSamples[j][i] = signExtend32(bits, uint(d.cfg.sampleSize))
			}
		}
	}

	out := make([]int16, numOutputSamples*int(d.cfg.numChannels))
	if channels == 0 {
		for i := 0; i < numOutputSamples; i++ {
			out[i] = int16(d.outputSamples[0][i])
		}
	} else {
		deinterlace16(d.outputSamples[0][:numOutputSamples], d.outputSamples[1][:numOutputSamples], out,
			int(d.cfg.numChannels), interlacingShift, interlacingLeftWeight)
	}

	return out, nil
}
