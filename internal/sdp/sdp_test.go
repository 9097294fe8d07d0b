package sdp

import "testing"

const announceALAC = "v=0\r\n" +
	"o=iTunes 3534572948 0 IN IP4 192.168.1.50\r\n" +
	"s=iTunes\r\n" +
	"c=IN IP4 192.168.1.100\r\n" +
	"t=0 0\r\n" +
	"m=audio 0 RTP/AVP 96\r\n" +
	"a=rtpmap:96 AppleLossless\r\n" +
	"a=fmtp:96 352 0 16 40 10 14 2 255 0 0 44100\r\n" +
	"a=rsaaeskey:QUJD\r\n" +
	"a=aesiv:WFll\r\n"

func TestParseExtractsMediaAndAttributes(t *testing.T) {
	desc, err := Parse(announceALAC)
	if err != nil {
		t.Fatal(err)
	}

	if desc.Media.Type != "audio" {
		t.Errorf("Media.Type = %q, want audio", desc.Media.Type)
	}
	if desc.Media.PayloadType != 96 {
		t.Errorf("PayloadType = %d, want 96", desc.Media.PayloadType)
	}
	if desc.Media.RTPMapEncoding != "AppleLossless" {
		t.Errorf("RTPMapEncoding = %q, want AppleLossless", desc.Media.RTPMapEncoding)
	}
	if len(desc.Media.FmtpParams) != 11 {
		t.Fatalf("FmtpParams len = %d, want 11", len(desc.Media.FmtpParams))
	}
	if v, ok := desc.Media.FmtpInt(10); !ok || v != 44100 {
		t.Errorf("FmtpInt(10) = %d,%v, want 44100,true", v, ok)
	}
	if string(desc.Media.RSAAESKey) != "ABC" {
		t.Errorf("RSAAESKey = %q, want ABC", desc.Media.RSAAESKey)
	}
	if string(desc.Media.AESIV) != "XYe" {
		t.Errorf("AESIV = %q, want XYe", desc.Media.AESIV)
	}
}

func TestParseRejectsMissingMediaSection(t *testing.T) {
	_, err := Parse("v=0\r\ns=iTunes\r\n")
	if err != ErrNoMediaSection {
		t.Fatalf("err = %v, want ErrNoMediaSection", err)
	}
}

func TestParseUnpaddedBase64(t *testing.T) {
	body := "m=audio 0 RTP/AVP 96\r\na=aesiv:WFll\r\n"
	desc, err := Parse(body)
	if err != nil {
		t.Fatal(err)
	}
	if string(desc.Media.AESIV) != "XYe" {
		t.Errorf("AESIV = %q, want XYe", desc.Media.AESIV)
	}
}
