// Package rtpio implements the RAOP RTP receiver: a UDP socket pair
// (data + control), a jitter buffer that reorders and paces packets
// before handing them to the decoder, and the AirPlay-specific RTCP
// helper messages (time sync, retransmit request/reply).
package rtpio

import (
	"errors"
	"sync"

	"github.com/pion/rtp"

	"github.com/sparod/aircat/internal/config"
)

// Sentinel results returned by Get, mirroring the jitter buffer's three
// non-error outcomes: nothing ready yet, a gap the caller should treat
// as silence, and a packet that was dropped to make room.
var (
	ErrNoPacket        = errors.New("rtpio: jitter buffer still filling")
	ErrLostPacket      = errors.New("rtpio: packet lost, never arrived")
	ErrDiscardedPacket = errors.New("rtpio: packet discarded to bound buffer size")
	ErrWrongSession    = errors.New("rtpio: packet belongs to a different ssrc")
	ErrDuplicate       = errors.New("rtpio: duplicate packet already buffered")
	ErrTooLate         = errors.New("rtpio: packet arrived too late")
	ErrDroppedAfterFlush = errors.New("rtpio: packet dropped, arrived just after a flush")
)

// ResentFunc is called when a run of packets is now eligible for
// retransmit request; it receives the starting sequence number and the
// run length.
type ResentFunc func(firstSeq uint16, count uint16)

// JitterConfig parameterizes a JitterBuffer.
type JitterConfig struct {
	MaxPacketCount   uint16
	DelayPacketCount uint16
	ResentRatio      int // percent of delay window, clamped to [0, config.MaxResentRatioPercent]
	MaxMisorder      uint16
	MaxDropout       uint16
	OnResent         ResentFunc
}

type packetSlot struct {
	pkt *rtp.Packet
}

// JitterBuffer reorders RTP packets and exposes them to the consumer at
// a fixed delay so that transient misordering and small drops can be
// absorbed or retransmitted before playback.
type JitterBuffer struct {
	mu sync.Mutex

	packets          []packetSlot
	maxPacketCount   uint16
	delayPacketCount uint16
	resentPacketCount uint16
	maxMisorder      uint16
	maxDropout       uint16
	onResent         ResentFunc

	ssrc           uint32
	filling        bool
	packetCount    uint16
	firstPacket    uint16
	firstSeq       uint16
	firstTS        uint32
	resentCount    uint16
	discardedCount uint32
	dropCount      uint32
}

// NewJitterBuffer allocates a jitter buffer per cfg, filling in
// defaults and clamping the resend ratio.
func NewJitterBuffer(cfg JitterConfig) *JitterBuffer {
	if cfg.MaxPacketCount == 0 {
		cfg.MaxPacketCount = 1
	}
	if cfg.MaxMisorder == 0 {
		cfg.MaxMisorder = 100
	}
	if cfg.MaxDropout == 0 {
		cfg.MaxDropout = 3000
	}
	ratio := cfg.ResentRatio
	if ratio > config.MaxResentRatioPercent {
		ratio = config.MaxResentRatioPercent
	}
	if ratio < 0 {
		ratio = 0
	}

	j := &JitterBuffer{
		packets:           make([]packetSlot, cfg.MaxPacketCount),
		maxPacketCount:    cfg.MaxPacketCount,
		delayPacketCount:  cfg.DelayPacketCount,
		resentPacketCount: uint16(int(cfg.DelayPacketCount) * ratio / 100),
		maxMisorder:       cfg.MaxMisorder,
		maxDropout:        cfg.MaxDropout,
		onResent:          cfg.OnResent,
		filling:           true,
	}
	return j
}

// Put inserts an already-parsed RTP packet into the jitter buffer,
// applying the misorder/dropout/duplicate rules. The padding bit, if
// set, must already have been stripped by the caller.
func (j *JitterBuffer) Put(pkt *rtp.Packet) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.dropCount > 0 {
		j.dropCount--
		return ErrDroppedAfterFlush
	}

	seq := pkt.SequenceNumber
	ts := pkt.Timestamp
	ssrc := pkt.SSRC

	if j.ssrc == 0 {
		j.ssrc = ssrc
		if j.firstSeq == 0 {
			j.firstSeq = seq
		}
		if j.firstTS == 0 {
			j.firstTS = ts
		}
	} else if j.ssrc != ssrc {
		return ErrWrongSession
	}

	delta := int32(int16(seq - j.firstSeq))
	if (delta < 0 && -delta > int32(j.maxMisorder)) ||
		(delta > 0 && delta > int32(j.maxDropout)) {
		j.resetLocked(seq, ts)
		delta = 0
	}
	if delta < 0 {
		return ErrTooLate
	}

	for uint16(delta) >= j.maxPacketCount {
		j.packets[j.firstPacket].pkt = nil
		j.firstPacket++
		if j.firstPacket >= j.maxPacketCount {
			j.firstPacket = 0
		}
		j.firstSeq++
		j.discardedCount++
		if j.packetCount > 0 {
			j.packetCount--
			if j.packetCount == 0 {
				j.filling = true
			}
		}
		if j.resentCount > 0 {
			j.resentCount--
		}
		delta--
	}

	// Only gaps at least resentPacketCount behind the newest packet are
	// eligible: anything closer may still be in flight or reordered.
	if uint16(delta) >= j.resentPacketCount && j.onResent != nil {
		j.checkResentLocked(uint16(delta) - j.resentPacketCount)
	}

	idx := (j.firstPacket + uint16(delta)) % j.maxPacketCount
	if j.packets[idx].pkt != nil {
		return ErrDuplicate
	}
	j.packets[idx].pkt = pkt

	if j.firstSeq+j.packetCount <= seq {
		j.packetCount = uint16(delta) + 1
		if j.packetCount > j.delayPacketCount {
			j.filling = false
		}
	}
	return nil
}

func (j *JitterBuffer) checkResentLocked(count uint16) {
	i := (j.firstPacket + j.resentCount) % j.maxPacketCount
	seq := j.firstSeq + j.resentCount
	if j.resentCount >= count {
		return
	}
	count -= j.resentCount

	var misCount, misSeq uint16
	for count > 0 {
		if j.packets[i].pkt == nil {
			if misCount == 0 {
				misSeq = seq
			}
			misCount++
		} else if misCount > 0 {
			j.onResent(misSeq, misCount)
			misCount = 0
		}
		seq++
		i++
		if i >= j.maxPacketCount {
			i = 0
		}
		count--
		j.resentCount++
	}
	if misCount > 0 {
		j.onResent(misSeq, misCount)
	}
}

func (j *JitterBuffer) resetLocked(seq uint16, ts uint32) {
	for i := range j.packets {
		j.packets[i].pkt = nil
	}
	j.packetCount = 0
	j.resentCount = 0
	j.firstPacket = 0
	j.filling = true
	j.firstSeq = seq
	j.firstTS = ts
	if seq == 0 && ts == 0 {
		j.ssrc = 0
	}
}

// Flush resynchronizes the buffer to a new starting sequence/timestamp,
// as issued on a RECORD/FLUSH RTSP transition. When seq==0 the consumer
// is also told to discard every packet currently queued so stale audio
// from before the flush is never played.
func (j *JitterBuffer) Flush(seq uint16, timestamp uint32) {
	j.mu.Lock()
	defer j.mu.Unlock()
	count := j.packetCount
	j.resetLocked(seq, timestamp)
	if seq != 0 {
		j.dropCount = uint32(count)
	}
}

// Get dequeues the next packet in sequence order. It returns
// ErrNoPacket while the buffer is still filling, ErrDiscardedPacket
// once per packet that was forced out to bound memory, and
// ErrLostPacket for a slot whose packet never arrived (the caller
// should substitute silence of the expected duration).
func (j *JitterBuffer) Get() (*rtp.Packet, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.filling {
		return nil, ErrNoPacket
	}
	if j.discardedCount > 0 {
		j.discardedCount--
		return nil, ErrDiscardedPacket
	}

	slot := j.packets[j.firstPacket]

	j.packetCount--
	if j.packetCount == 0 {
		j.filling = true
	}
	if j.resentCount > 0 {
		j.resentCount--
	}

	j.packets[j.firstPacket].pkt = nil
	j.firstSeq++
	j.firstPacket++
	if j.firstPacket >= j.maxPacketCount {
		j.firstPacket = 0
	}

	if slot.pkt == nil {
		return nil, ErrLostPacket
	}
	return slot.pkt, nil
}

// Stats reports the buffer's lifetime drop/discard counters, useful for
// diagnostics and the RTSP GET_PARAMETER "jack" style status queries.
type Stats struct {
	DiscardedCount uint32
	DropCount      uint32
	SSRC           uint32
}

// Stats returns a snapshot of the buffer's counters.
func (j *JitterBuffer) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Stats{DiscardedCount: j.discardedCount, DropCount: j.dropCount, SSRC: j.ssrc}
}
