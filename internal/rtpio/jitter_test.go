package rtpio

import (
	"testing"

	"github.com/pion/rtp"
)

func mkPacket(seq uint16, ssrc uint32) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 352,
			SSRC:           ssrc,
		},
		Payload: []byte{byte(seq), byte(seq >> 8)},
	}
}

func newTestBuffer(delay uint16) *JitterBuffer {
	return NewJitterBuffer(JitterConfig{
		MaxPacketCount:   64,
		DelayPacketCount: delay,
		ResentRatio:      10,
		MaxMisorder:      100,
		MaxDropout:       3000,
	})
}

func TestJitterBufferFillsBeforeDelivering(t *testing.T) {
	j := newTestBuffer(4)

	for i := uint16(0); i < 4; i++ {
		if err := j.Put(mkPacket(i, 1)); err != nil {
			t.Fatalf("Put(%d) = %v", i, err)
		}
	}
	if _, err := j.Get(); err != ErrNoPacket {
		t.Fatalf("Get before delay window filled = %v, want ErrNoPacket", err)
	}

	if err := j.Put(mkPacket(4, 1)); err != nil {
		t.Fatalf("Put(4) = %v", err)
	}
	pkt, err := j.Get()
	if err != nil {
		t.Fatalf("Get after fill = %v", err)
	}
	if pkt.SequenceNumber != 0 {
		t.Fatalf("first delivered seq = %d, want 0", pkt.SequenceNumber)
	}
}

func TestJitterBufferInOrderDelivery(t *testing.T) {
	j := newTestBuffer(2)
	for i := uint16(0); i < 6; i++ {
		j.Put(mkPacket(i, 1))
	}
	for want := uint16(0); want < 4; want++ {
		pkt, err := j.Get()
		if err != nil {
			t.Fatalf("Get(%d) = %v", want, err)
		}
		if pkt.SequenceNumber != want {
			t.Fatalf("seq = %d, want %d", pkt.SequenceNumber, want)
		}
	}
}

func TestJitterBufferRejectsDuplicate(t *testing.T) {
	j := newTestBuffer(2)
	j.Put(mkPacket(0, 1))
	if err := j.Put(mkPacket(0, 1)); err != ErrDuplicate {
		t.Fatalf("duplicate Put = %v, want ErrDuplicate", err)
	}
}

func TestJitterBufferRejectsOtherSSRC(t *testing.T) {
	j := newTestBuffer(2)
	j.Put(mkPacket(0, 1))
	if err := j.Put(mkPacket(1, 2)); err != ErrWrongSession {
		t.Fatalf("cross-session Put = %v, want ErrWrongSession", err)
	}
}

func TestJitterBufferToleratesMisorder(t *testing.T) {
	j := newTestBuffer(4)
	order := []uint16{0, 2, 1, 4, 3, 5}
	for _, seq := range order {
		if err := j.Put(mkPacket(seq, 1)); err != nil {
			t.Fatalf("Put(%d) = %v", seq, err)
		}
	}
	for want := uint16(0); want < 2; want++ {
		pkt, err := j.Get()
		if err != nil {
			t.Fatalf("Get(%d) = %v", want, err)
		}
		if pkt.SequenceNumber != want {
			t.Fatalf("seq = %d, want %d", pkt.SequenceNumber, want)
		}
	}
}

func TestJitterBufferLostPacketReportsLost(t *testing.T) {
	j := newTestBuffer(2)
	j.Put(mkPacket(0, 1))
	// seq 1 never arrives
	j.Put(mkPacket(2, 1))
	j.Put(mkPacket(3, 1))

	pkt, err := j.Get()
	if err != nil || pkt.SequenceNumber != 0 {
		t.Fatalf("Get(0) = %v,%v", pkt, err)
	}
	if _, err := j.Get(); err != ErrLostPacket {
		t.Fatalf("Get(1) = %v, want ErrLostPacket", err)
	}
}

func TestJitterBufferRetransmitRequestTiming(t *testing.T) {
	type call struct{ seq, count uint16 }
	var calls []call

	j := NewJitterBuffer(JitterConfig{
		MaxPacketCount:   64,
		DelayPacketCount: 5,
		ResentRatio:      60, // 5 * 60 / 100 = 3
		OnResent: func(seq, count uint16) {
			calls = append(calls, call{seq, count})
		},
	})

	for _, seq := range []uint16{100, 101, 103, 104, 105} {
		if err := j.Put(mkPacket(seq, 1)); err != nil {
			t.Fatalf("Put(%d) = %v", seq, err)
		}
	}
	if len(calls) != 0 {
		t.Fatalf("resent calls before gap aged out: %v", calls)
	}

	if err := j.Put(mkPacket(106, 1)); err != nil {
		t.Fatalf("Put(106) = %v", err)
	}
	if len(calls) != 1 || calls[0] != (call{102, 1}) {
		t.Fatalf("resent calls after 106 = %v, want [{102 1}]", calls)
	}

	// The retransmitted packet slots in and delivery stays in order.
	if err := j.Put(mkPacket(102, 1)); err != nil {
		t.Fatalf("Put(102) = %v", err)
	}
	for want := uint16(100); want <= 103; want++ {
		pkt, err := j.Get()
		if err != nil {
			t.Fatalf("Get(%d) = %v", want, err)
		}
		if pkt.SequenceNumber != want {
			t.Fatalf("seq = %d, want %d", pkt.SequenceNumber, want)
		}
	}
}

func TestJitterBufferFlushResetsState(t *testing.T) {
	j := newTestBuffer(2)
	j.Put(mkPacket(10, 1))
	j.Put(mkPacket(11, 1))

	j.Flush(0, 0)

	stats := j.Stats()
	if stats.SSRC != 0 {
		t.Fatalf("ssrc after zero flush = %d, want 0", stats.SSRC)
	}
	if err := j.Put(mkPacket(0, 99)); err != nil {
		t.Fatalf("Put after flush = %v", err)
	}
}
