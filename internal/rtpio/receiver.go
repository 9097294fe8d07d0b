package rtpio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/pion/rtp"
)

// ReceiverConfig describes the sockets and jitter parameters for one
// RAOP audio receiver.
type ReceiverConfig struct {
	Port           int // 0 lets the OS pick; SETUP needs a concrete port, so callers usually pass a starting guess
	RTCPPort       int // 0 disables the separate control socket
	MaxPortRetries int
	Payload        uint8
	MaxPacketSize  int
	Jitter         JitterConfig
}

// Receiver owns the RTP data socket (and optional RTCP control socket)
// for one RAOP session and feeds received packets into a JitterBuffer.
type Receiver struct {
	conn     *net.UDPConn
	rtcpConn *net.UDPConn
	jitter   *JitterBuffer
	payload  uint8
	maxSize  int

	rtcpHandler func(payloadType byte, buf []byte)

	// custHandler rewrites datagrams whose payload type differs from the
	// session's declared payload before they are queued; RAOP uses it to
	// strip the 4-byte wrapper on retransmit replies that arrive on the
	// data socket. A nil or empty result drops the datagram.
	custHandler func(buf []byte) []byte
}

// ErrNoPortAvailable is returned when every port in the retry range is
// already in use.
var ErrNoPortAvailable = errors.New("rtpio: no UDP port available in retry range")

// OpenReceiver binds the RTP (and optionally RTCP) UDP sockets,
// retrying on the next odd port (+2, matching RTP's even-port/odd-port
// control-channel convention) until MaxPortRetries is exceeded.
func OpenReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = 16384
	}
	if cfg.MaxPortRetries <= 0 {
		cfg.MaxPortRetries = 7000
	}

	conn, _, err := listenWithRetry(cfg.Port, cfg.MaxPortRetries)
	if err != nil {
		return nil, fmt.Errorf("rtpio: open RTP socket: %w", err)
	}

	r := &Receiver{
		conn:    conn,
		jitter:  NewJitterBuffer(cfg.Jitter),
		payload: cfg.Payload,
		maxSize: cfg.MaxPacketSize,
	}

	if cfg.RTCPPort != 0 {
		rtcpConn, _, err := listenWithRetry(cfg.RTCPPort, cfg.MaxPortRetries)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("rtpio: open RTCP socket: %w", err)
		}
		r.rtcpConn = rtcpConn
	}

	return r, nil
}

func listenWithRetry(startPort, maxRetries int) (*net.UDPConn, int, error) {
	port := startPort
	for tries := 0; port <= maxRetries; tries++ {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
		if err == nil {
			return conn, port, nil
		}
		if !isAddrInUse(err) {
			return nil, 0, err
		}
		port += 2
	}
	return nil, 0, ErrNoPortAvailable
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// RTPPort returns the bound local RTP port, for the RTSP SETUP reply.
func (r *Receiver) RTPPort() int {
	if r.conn == nil {
		return 0
	}
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// RTCPPort returns the bound local RTCP port, or 0 if no control
// socket was opened.
func (r *Receiver) RTCPPort() int {
	if r.rtcpConn == nil {
		return 0
	}
	return r.rtcpConn.LocalAddr().(*net.UDPAddr).Port
}

// OnRTCP registers the handler invoked for every datagram received on
// the control socket.
func (r *Receiver) OnRTCP(fn func(payloadType byte, buf []byte)) {
	r.rtcpHandler = fn
}

// OnCustom registers the rewrite applied to data-socket datagrams whose
// payload type does not match the session's declared payload.
func (r *Receiver) OnCustom(fn func(buf []byte) []byte) {
	r.custHandler = fn
}

// Run reads datagrams from both sockets until ctx is cancelled,
// stripping RTP padding, filtering out-of-band RTCP payload types
// (72-76) arriving on the data socket, and feeding in-band packets to
// the jitter buffer.
func (r *Receiver) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go r.runRTP(ctx, errCh)
	if r.rtcpConn != nil {
		go r.runRTCP(ctx, errCh)
	}

	select {
	case <-ctx.Done():
		r.Close()
		return ctx.Err()
	case err := <-errCh:
		r.Close()
		return err
	}
}

func (r *Receiver) runRTP(ctx context.Context, errCh chan<- error) {
	buf := make([]byte, r.maxSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errCh <- err
			return
		}
		if n < 12 {
			continue
		}

		payload := buf[1] & 0x7F
		if payload >= 72 && payload <= 76 {
			if r.rtcpHandler != nil {
				r.rtcpHandler(payload, append([]byte(nil), buf[:n]...))
			}
			continue
		}

		data := append([]byte(nil), buf[:n]...)
		if r.payload != 0 && payload != r.payload&0x7F {
			if r.custHandler == nil {
				continue
			}
			if data = r.custHandler(data); len(data) < 12 {
				continue
			}
		}
		data = stripPadding(data)

		var pkt rtp.Packet
		if err := pkt.Unmarshal(data); err != nil {
			continue
		}
		r.jitter.Put(&pkt)
	}
}

func (r *Receiver) runRTCP(ctx context.Context, errCh chan<- error) {
	buf := make([]byte, r.maxSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, _, err := r.rtcpConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errCh <- err
			return
		}
		if n < 4 || (buf[0]>>6) != 2 {
			continue
		}
		if r.rtcpHandler != nil {
			r.rtcpHandler(buf[1]&0x7F, append([]byte(nil), buf[:n]...))
		}
	}
}

func stripPadding(data []byte) []byte {
	if data[0]&0x20 == 0 {
		return data
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > len(data)-12 {
		return data
	}
	return data[:len(data)-pad]
}

// Jitter exposes the underlying jitter buffer for direct Get/Flush use
// by the RAOP session's playback loop.
func (r *Receiver) Jitter() *JitterBuffer {
	return r.jitter
}

// SendRTCP writes a raw control-channel datagram to addr, used for the
// retransmit-request (0xD5) message.
func (r *Receiver) SendRTCP(buf []byte, addr *net.UDPAddr) error {
	if r.rtcpConn == nil {
		return errors.New("rtpio: no RTCP socket open")
	}
	_, err := r.rtcpConn.WriteToUDP(buf, addr)
	return err
}

// Close releases both sockets.
func (r *Receiver) Close() error {
	var err error
	if r.conn != nil {
		err = r.conn.Close()
	}
	if r.rtcpConn != nil {
		if e := r.rtcpConn.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
