package codec

import "testing"

func TestNewAACDecoderParsesAudioSpecificConfig(t *testing.T) {
	// AAC-LC, 44100 (index 4), stereo (config 2): 0b00010|0100|0010|000
	config := []byte{0x12, 0x10}
	d, err := newAACDecoder(config)
	if err != nil {
		t.Fatal(err)
	}
	if d.SampleRate() != 44100 {
		t.Errorf("SampleRate = %d, want 44100", d.SampleRate())
	}
	if d.Channels() != 2 {
		t.Errorf("Channels = %d, want 2", d.Channels())
	}
	if d.adts {
		t.Error("adts = true, want false for bare AudioSpecificConfig")
	}
}

func TestNewAACDecoderRejectsShortConfig(t *testing.T) {
	if _, err := newAACDecoder([]byte{0x12}); err == nil {
		t.Fatal("expected error for truncated config")
	}
}

// buildADTSFrame constructs a minimal ADTS header (no CRC) for 44100Hz
// stereo AAC-LC at the given total frame length.
func buildADTSFrame(length int) []byte {
	buf := make([]byte, length)
	buf[0] = 0xFF
	buf[1] = 0xF1 // syncword tail + MPEG-4, Layer 0, no CRC
	buf[2] = 0x50 // profile AAC-LC(01)<<6 | samplerate idx 4 (44100) <<2
	buf[3] = byte((2 << 6) | (length >> 11)) // channel config 2 (stereo), frame length high bits
	buf[4] = byte((length >> 3) & 0xFF)
	buf[5] = byte((length & 0x7) << 5)
	buf[6] = 0xFC
	return buf
}

func TestNewAACDecoderDetectsADTSSync(t *testing.T) {
	frame := buildADTSFrame(200)
	d, err := newAACDecoder(frame)
	if err != nil {
		t.Fatal(err)
	}
	if !d.adts {
		t.Fatal("adts = false, want true for ADTS-framed config")
	}
	if d.SampleRate() != 44100 || d.Channels() != 2 {
		t.Errorf("SampleRate/Channels = %d/%d, want 44100/2", d.SampleRate(), d.Channels())
	}
}

func TestAACDecodeADTSFrame(t *testing.T) {
	frame := buildADTSFrame(200)
	d, err := newAACDecoder(frame)
	if err != nil {
		t.Fatal(err)
	}

	out := make([]int16, aacSamplesPerFrame*2)
	var info Info
	n, err := d.Decode(frame, out, &info)
	if err != nil {
		t.Fatal(err)
	}
	if n != aacSamplesPerFrame {
		t.Errorf("n = %d, want %d", n, aacSamplesPerFrame)
	}
	if info.Used != 200 {
		t.Errorf("Used = %d, want 200", info.Used)
	}
}

func TestAACDecodeResetWithNilInput(t *testing.T) {
	d, err := newAACDecoder([]byte{0x12, 0x10})
	if err != nil {
		t.Fatal(err)
	}
	var info Info
	n, err := d.Decode(nil, nil, &info)
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v, want 0/nil", n, err)
	}
}
