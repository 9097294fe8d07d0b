package rtpio

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/pion/rtcp"
)

// The AirPlay control channel reuses three payload-type values outside
// the IANA RTCP registry, but the sender still frames them behind a
// standard 4-byte RTCP header (version/padding/count, packet type,
// length-in-words), so github.com/pion/rtcp's generic Header marshals
// and unmarshals them like any other RTCP packet; only the body past
// that header is AirPlay-specific.
const (
	PayloadTimeSync       rtcp.PacketType = 0xD4 // time sync, 20 bytes
	PayloadRetransmitReq  rtcp.PacketType = 0xD5 // retransmit request, 8 bytes
	PayloadRetransmitResp rtcp.PacketType = 0xD6 // retransmit reply, RTP header + 4 + payload
)

var ErrShortPacket = errors.New("rtpio: control packet too short")

// TimeSyncDelay extracts the round-trip delay, in RTP clock ticks, from
// a 20-byte time-sync packet: the difference between the reference
// time at offset 16 and the transmit time at offset 4.
func TimeSyncDelay(buf []byte) (uint32, error) {
	var hdr rtcp.Header
	if err := hdr.Unmarshal(buf); err != nil {
		return 0, err
	}
	if len(buf) != 20 {
		return 0, ErrShortPacket
	}
	tx := binary.BigEndian.Uint32(buf[4:8])
	ref := binary.BigEndian.Uint32(buf[16:20])
	return ref - tx, nil
}

// DecodeRetransmitResponse strips the leading 4-byte RTP header
// prepended to a retransmit reply, returning the original RTP packet
// (header + payload) that was requested.
func DecodeRetransmitResponse(buf []byte) ([]byte, error) {
	var hdr rtcp.Header
	if err := hdr.Unmarshal(buf); err != nil {
		return nil, err
	}
	if len(buf) < 16 {
		return nil, ErrShortPacket
	}
	return buf[4:], nil
}

// EncodeRetransmitRequest builds the 8-byte retransmit-request message
// sent back to the sender's control port, asking it to resend `count`
// packets starting at `firstSeq`: a standard 4-byte RTCP header (count
// 0, type 0xD5, length 1 word) followed by the AirPlay-specific
// first-sequence/count body.
func EncodeRetransmitRequest(firstSeq, count uint16) []byte {
	hdr := rtcp.Header{Type: PayloadRetransmitReq, Length: 1}
	head, err := hdr.Marshal()
	if err != nil {
		return nil
	}

	req := make([]byte, 8)
	copy(req[0:4], head)
	binary.BigEndian.PutUint16(req[4:6], firstSeq)
	binary.BigEndian.PutUint16(req[6:8], count)
	return req
}

// RequestResend sends a retransmit request for `count` packets starting
// at `firstSeq` to the peer's control port. It is the natural ResentFunc
// to wire into a JitterConfig.OnResent.
func (r *Receiver) RequestResend(peer *net.UDPAddr) ResentFunc {
	return func(firstSeq, count uint16) {
		r.SendRTCP(EncodeRetransmitRequest(firstSeq, count), peer)
	}
}
