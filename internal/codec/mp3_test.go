package codec

import "testing"

// buildMP3Frame constructs a minimal valid MPEG-1 Layer III frame header
// (44100Hz, 128kbps, stereo) padded with silence out to its computed
// frame length, matching the fixture internal/demux's own tests use.
func buildMP3Frame(length int) []byte {
	buf := make([]byte, length)
	buf[0] = 0xFF
	buf[1] = 0xFB // MPEG-1, Layer III, no CRC
	buf[2] = 0x90 // bitrate index 9 (128kbps), samplerate index 0 (44100)
	buf[3] = 0x00
	return buf
}

func TestMP3DecodeFindsFrameAndReportsFormat(t *testing.T) {
	frame := buildMP3Frame(417)
	data := append(append([]byte{}, frame...), frame...)

	d := newMP3Decoder()
	out := make([]int16, 1152*2)
	var info Info
	n, err := d.Decode(data, out, &info)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1152 {
		t.Errorf("n = %d, want 1152 (Layer III MPEG-1 samples/frame)", n)
	}
	if d.SampleRate() != 44100 {
		t.Errorf("SampleRate = %d, want 44100", d.SampleRate())
	}
	if d.Channels() != 2 {
		t.Errorf("Channels = %d, want 2", d.Channels())
	}
	if info.Used != 417 {
		t.Errorf("Used = %d, want 417", info.Used)
	}
}

func TestMP3DecodeResyncsPastLeadingGarbage(t *testing.T) {
	frame := buildMP3Frame(417)
	garbage := make([]byte, 20)
	data := append(append(garbage, frame...), frame...)

	d := newMP3Decoder()
	out := make([]int16, 1152*2)
	var info Info
	_, err := d.Decode(data, out, &info)
	if err != ErrResync {
		t.Fatalf("err = %v, want ErrResync", err)
	}
	if info.Used != 20+417 {
		t.Errorf("Used = %d, want %d", info.Used, 20+417)
	}
}

func TestMP3DecodeReportsBufferTooSmallWithoutTwoFrames(t *testing.T) {
	frame := buildMP3Frame(417)

	d := newMP3Decoder()
	out := make([]int16, 1152*2)
	var info Info
	_, err := d.Decode(frame, out, &info)
	if err != ErrBufferTooSmall {
		t.Fatalf("err = %v, want ErrBufferTooSmall", err)
	}
}

func TestMP3DecodeResetWithNilInput(t *testing.T) {
	d := newMP3Decoder()
	var info Info
	n, err := d.Decode(nil, nil, &info)
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v, want 0/nil", n, err)
	}
}
