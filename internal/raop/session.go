// Package raop implements the AirPlay/RAOP session layer: the
// Apple-Challenge handshake, ANNOUNCE/SETUP/RECORD/FLUSH/SET_PARAMETER/
// TEARDOWN request handling, and the per-client audio handle that
// drains the RTP receiver, decrypts, decodes, and feeds the mixer.
package raop

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/pion/rtp"

	"github.com/sparod/aircat/internal/codec"
	"github.com/sparod/aircat/internal/config"
	"github.com/sparod/aircat/internal/cryptoutil"
	"github.com/sparod/aircat/internal/mixer"
	"github.com/sparod/aircat/internal/rtpio"
	"github.com/sparod/aircat/internal/rtsp"
	"github.com/sparod/aircat/internal/sdp"
)

// samplesPerFrame returns how many samples (per channel) one lost RTP
// packet represents, used to size the silence injected in its place.
// AAC and MP3 have fixed frame sizes; ALAC's is carried in its fmtp.
func samplesPerFrame(kind codec.Kind, media *sdp.Media) int {
	switch kind {
	case codec.AAC:
		return 1024
	case codec.MP3:
		return 1152
	case codec.ALAC:
		if n, ok := media.FmtpInt(0); ok && n > 0 {
			return n
		}
		return 352
	default:
		return 352
	}
}

// Metadata is the now-playing information accumulated from
// SET_PARAMETER bodies (DMAP track tags and progress timestamps).
type Metadata struct {
	Title    string
	Artist   string
	Album    string
	Position float64 // seconds
	Duration float64 // seconds

	pictureMIME string
	picture     []byte
	pictureWant int
}

// Session is one RTSP client's RAOP state: negotiated codec/key/IV,
// its RTP receiver, decoder, mixer stream, and now-playing metadata.
type Session struct {
	mu sync.Mutex

	codecKind  codec.Kind
	media      sdp.Media
	aesKey     []byte
	aesIV      []byte
	decoder    codec.Decoder
	decrypter  *cryptoutil.CBCDecrypter
	receiver   *rtpio.Receiver
	rtcpPeer   *net.UDPAddr
	runCancel  context.CancelFunc

	samplesPerFrame int
	silenceRemaining int

	handle      *mixer.Handle
	stream      *mixer.Stream
	streamMixer *mixer.Mixer
	volumeDB    float64

	meta Metadata
}

// Manager dispatches RTSP requests to per-client Sessions keyed by the
// RTSP client ID.
type Manager struct {
	Mixer      *mixer.Mixer
	ServerIP   net.IP
	ServerMAC  net.HardwareAddr

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a Manager bound to mx for output.
func NewManager(mx *mixer.Mixer, serverIP net.IP, serverMAC net.HardwareAddr) *Manager {
	return &Manager{
		Mixer:     mx,
		ServerIP:  serverIP,
		ServerMAC: serverMAC,
		sessions:  make(map[string]*Session),
	}
}

// Handle is the rtsp.HandlerFunc entry point.
func (m *Manager) Handle(client *rtsp.Client, req *rtsp.Request) *rtsp.Response {
	resp := rtsp.NewResponse(req, 200)

	if challenge := req.Header("apple-challenge"); challenge != "" {
		if appleResponse, err := m.appleResponse(challenge, client); err == nil {
			resp.Headers["Apple-Response"] = appleResponse
		}
	}

	switch req.Method {
	case "OPTIONS":
		resp.Headers["Public"] = "ANNOUNCE, SETUP, RECORD, PAUSE, FLUSH, TEARDOWN, OPTIONS, GET_PARAMETER, SET_PARAMETER"
	case "ANNOUNCE":
		return m.handleAnnounce(client, req, resp)
	case "SETUP":
		return m.handleSetup(client, req, resp)
	case "RECORD":
		return m.handleRecord(client, req, resp)
	case "PAUSE":
		return m.handlePause(client, req, resp)
	case "FLUSH":
		return m.handleFlush(client, req, resp)
	case "SET_PARAMETER":
		return m.handleSetParameter(client, req, resp)
	case "GET_PARAMETER":
		return m.handleGetParameter(client, req, resp)
	case "TEARDOWN":
		return m.handleTeardown(client, req, resp)
	}
	return resp
}

func (m *Manager) appleResponse(challengeB64 string, client *rtsp.Client) (string, error) {
	challenge, err := decodeLoose(challengeB64)
	if err != nil {
		return "", err
	}
	ip := m.ServerIP.To4()
	if ip == nil {
		ip = make([]byte, 4)
	}
	mac := m.ServerMAC
	if len(mac) != 6 {
		mac = make([]byte, 6)
	}
	signed, err := cryptoutil.AppleResponse(challenge, ip, mac)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(base64.StdEncoding.EncodeToString(signed), "="), nil
}

func decodeLoose(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func (m *Manager) session(client *rtsp.Client) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[client.ID]
	if !ok {
		s = &Session{}
		m.sessions[client.ID] = s
	}
	return s
}

func (m *Manager) handleAnnounce(client *rtsp.Client, req *rtsp.Request, resp *rtsp.Response) *rtsp.Response {
	desc, err := sdp.Parse(string(req.Body))
	if err != nil {
		return rtsp.NewResponse(req, 400)
	}

	var kind codec.Kind
	switch desc.Media.RTPMapEncoding {
	case "L16":
		kind = codec.PCM
	case "AppleLossless":
		kind = codec.ALAC
	case "mpeg4-generic":
		kind = codec.AAC
	default:
		return rtsp.NewResponse(req, 455)
	}

	s := m.session(client)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codecKind = kind
	s.media = desc.Media
	s.aesKey = nil
	s.aesIV = desc.Media.AESIV

	if len(desc.Media.RSAAESKey) > 0 {
		key, err := cryptoutil.UnwrapAESKey(desc.Media.RSAAESKey)
		if err != nil {
			return rtsp.NewResponse(req, 400)
		}
		s.aesKey = key
	}

	decoderConfig, err := buildDecoderConfig(kind, &desc.Media)
	if err != nil {
		return rtsp.NewResponse(req, 400)
	}
	dec, err := codec.Open(kind, decoderConfig)
	if err != nil {
		return rtsp.NewResponse(req, 400)
	}
	s.decoder = dec
	s.samplesPerFrame = samplesPerFrame(kind, &desc.Media)

	if len(s.aesKey) > 0 && len(s.aesIV) > 0 {
		dec, err := cryptoutil.NewCBCDecrypter(s.aesKey, s.aesIV)
		if err != nil {
			return rtsp.NewResponse(req, 400)
		}
		s.decrypter = dec
	}

	return resp
}

// buildDecoderConfig adapts the fmtp/rtpmap fields an ANNOUNCE carries
// into the byte layout each decoder's Open expects: a 55-byte ALAC
// magic cookie synthesized from the fmtp integer list (the wire form
// RAOP uses is a flat decimal field list, not the MP4 atom itself), a
// bare AudioSpecificConfig for AAC, or nothing for PCM/MP3.
func buildDecoderConfig(kind codec.Kind, media *sdp.Media) ([]byte, error) {
	switch kind {
	case codec.ALAC:
		return buildALACCookie(media)
	case codec.AAC:
		return buildAACConfig(media)
	case codec.PCM:
		return buildWAVHeader(media), nil
	default:
		return nil, nil
	}
}

// buildWAVHeader synthesizes the minimal 44-byte RIFF/WAVE header
// internal/codec's PCM decoder parses, since an "L16" rtpmap carries
// its sample rate and channel count directly rather than in a WAV
// file's fmt chunk.
func buildWAVHeader(media *sdp.Media) []byte {
	channels := media.RTPMapChannels
	if channels == 0 {
		channels = 2
	}
	sampleRate := media.RTPMapClockRate
	if sampleRate == 0 {
		sampleRate = 44100
	}
	const bitDepth = 16
	blockAlign := channels * bitDepth / 8
	byteRate := sampleRate * blockAlign

	buf := make([]byte, 44)
	copy(buf[0:4], "RIFF")
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	putLE32(buf[16:20], 16)
	putLE16(buf[20:22], 1)
	putLE16(buf[22:24], uint16(channels))
	putLE32(buf[24:28], uint32(sampleRate))
	putLE32(buf[28:32], uint32(byteRate))
	putLE16(buf[32:34], uint16(blockAlign))
	putLE16(buf[34:36], bitDepth)
	copy(buf[36:40], "data")
	return buf
}

func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// buildALACCookie packs the fmtp field list "frameLength compatibleVersion
// bitDepth pb mb kb channels maxRun maxFrameBytes avgBitRate sampleRate"
// into the same byte offsets internal/codec's parseALACCookie reads from
// a real MP4 ALACSpecificConfig atom.
func buildALACCookie(media *sdp.Media) ([]byte, error) {
	get := func(i int) int {
		v, _ := media.FmtpInt(i)
		return v
	}
	frameLength := get(0)
	bitDepth := get(2)
	pb := get(3)
	mb := get(4)
	kb := get(5)
	channels := get(6)
	sampleRate := get(10)
	if frameLength == 0 || channels == 0 || sampleRate == 0 {
		return nil, fmt.Errorf("raop: incomplete alac fmtp")
	}

	buf := make([]byte, 56)
	p := buf[24:]
	putBE32(p[0:4], uint32(frameLength))
	p[4] = 0 // compatibleVersion
	p[5] = byte(bitDepth)
	p[6] = byte(pb)
	p[7] = byte(mb)
	p[8] = byte(kb)
	p[9] = byte(channels)
	putBE32(p[16:20], uint32(sampleRate))
	return buf, nil
}

// buildAACConfig passes the raw fmtp config bytes (base64 in some
// clients, decimal mode/profile fields in others) straight through;
// internal/codec's AAC decoder distinguishes a bare AudioSpecificConfig
// from ADTS sync bytes on its own.
func buildAACConfig(media *sdp.Media) ([]byte, error) {
	if len(media.FmtpParams) == 0 {
		return []byte{0x11, 0x90}, nil // AAC-LC, 44100Hz stereo, the common RAOP default
	}
	buf := make([]byte, 0, len(media.FmtpParams))
	for _, tok := range media.FmtpParams {
		n, err := strconv.Atoi(tok)
		if err != nil || n < 0 || n > 255 {
			continue
		}
		buf = append(buf, byte(n))
	}
	if len(buf) < 2 {
		return []byte{0x11, 0x90}, nil
	}
	return buf, nil
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func (m *Manager) handleSetup(client *rtsp.Client, req *rtsp.Request, resp *rtsp.Response) *rtsp.Response {
	s := m.session(client)
	s.mu.Lock()
	defer s.mu.Unlock()

	transport := req.Header("transport")
	useUDP := strings.Contains(transport, "UDP")
	controlPort := parseTransportField(transport, "control_port")

	retryStep := 2
	if !useUDP {
		retryStep = 1
	}
	_ = retryStep // TCP audio transport is not implemented; only UDP is wired below

	if host, _, err := net.SplitHostPort(client.RemoteAddr().String()); err == nil && controlPort != "" {
		if port, err := strconv.Atoi(controlPort); err == nil {
			s.rtcpPeer = &net.UDPAddr{IP: net.ParseIP(host), Port: port}
		}
	}

	// config.PoolMillis of packets in the pool, config.DelayMillis of
	// pre-roll before delivery, never less than FillRatioPercent of the
	// pool.
	rate := s.decoder.SampleRate()
	pool := rate * config.PoolMillis / 1000 / s.samplesPerFrame
	if pool < 2 {
		pool = 2
	}
	delay := rate * config.DelayMillis / 1000 / s.samplesPerFrame
	if min := pool * config.FillRatioPercent / 100; delay < min {
		delay = min
	}
	if delay < 1 {
		delay = 1
	}

	receiver, err := rtpio.OpenReceiver(rtpio.ReceiverConfig{
		Port:           6000,
		RTCPPort:       6001,
		MaxPortRetries: config.MaxPortRetries,
		Payload:        config.DefaultRTPPayloadType,
		MaxPacketSize:  config.MaxRTPPacketSize,
		Jitter: rtpio.JitterConfig{
			MaxPacketCount:   uint16(pool),
			DelayPacketCount: uint16(delay),
			ResentRatio:      config.ResentRatioPercent,
			MaxMisorder:      config.MaxMisorder,
			MaxDropout:       config.MaxDropout,
			OnResent:         s.resendRequest,
		},
	})
	if err != nil {
		return rtsp.NewResponse(req, 500)
	}
	s.receiver = receiver
	receiver.OnRTCP(s.handleRTCP)
	// Retransmit replies that land on the data socket carry a 4-byte
	// wrapper ahead of the real RTP packet; strip it before queueing.
	receiver.OnCustom(func(buf []byte) []byte {
		if len(buf) < 16 {
			return nil
		}
		return buf[4:]
	})

	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	go receiver.Run(runCtx)

	s.handle = m.Mixer.NewHandle()
	format := mixer.Format{SampleRate: uint32(s.decoder.SampleRate()), Channels: uint8(s.decoder.Channels())}
	stream, err := m.Mixer.AddStream(s.handle, client.ID, "raop", format, 0, s.read, false)
	if err != nil {
		return rtsp.NewResponse(req, 500)
	}
	s.stream = stream
	s.streamMixer = m.Mixer

	resp.Headers["Transport"] = fmt.Sprintf("%s;server_port=%d;control_port=%d", transport, receiver.RTPPort(), receiver.RTCPPort())
	resp.Headers["Session"] = "1"
	return resp
}

func parseTransportField(transport, field string) string {
	for _, part := range strings.Split(transport, ";") {
		name, value, ok := strings.Cut(part, "=")
		if ok && strings.TrimSpace(name) == field {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func (m *Manager) handleRecord(client *rtsp.Client, req *rtsp.Request, resp *rtsp.Response) *rtsp.Response {
	s := m.session(client)
	s.mu.Lock()
	seq := uint16(0)
	if rtpInfo := req.Header("rtp-info"); rtpInfo != "" {
		if v := parseTransportField(";"+rtpInfo, "seq"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				seq = uint16(n)
			}
		}
	}
	if s.receiver != nil {
		s.receiver.Jitter().Flush(seq, 0)
	}
	s.silenceRemaining = 0
	streamMixer, stream := s.streamMixer, s.stream
	s.mu.Unlock()

	if streamMixer != nil && stream != nil {
		streamMixer.Play(stream)
	}
	resp.Headers["Audio-Jack-Status"] = "connected"
	return resp
}

func (m *Manager) handlePause(client *rtsp.Client, req *rtsp.Request, resp *rtsp.Response) *rtsp.Response {
	s := m.session(client)
	s.mu.Lock()
	streamMixer, stream := s.streamMixer, s.stream
	s.mu.Unlock()
	if streamMixer != nil && stream != nil {
		streamMixer.Pause(stream)
	}
	return resp
}

func (m *Manager) handleFlush(client *rtsp.Client, req *rtsp.Request, resp *rtsp.Response) *rtsp.Response {
	s := m.session(client)
	s.mu.Lock()
	seq := uint16(0)
	if rtpInfo := req.Header("rtp-info"); rtpInfo != "" {
		if v := parseTransportField(";"+rtpInfo, "seq"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				seq = uint16(n)
			}
		}
	}
	streamMixer, stream := s.streamMixer, s.stream
	if s.receiver != nil {
		s.receiver.Jitter().Flush(seq, 0)
	}
	s.silenceRemaining = 0
	s.mu.Unlock()

	if streamMixer != nil && stream != nil {
		streamMixer.Pause(stream)
		streamMixer.Flush(stream)
		streamMixer.Play(stream)
	}
	return resp
}

func (m *Manager) handleSetParameter(client *rtsp.Client, req *rtsp.Request, resp *rtsp.Response) *rtsp.Response {
	s := m.session(client)
	s.mu.Lock()
	defer s.mu.Unlock()

	contentType := req.Header("content-type")
	switch {
	case strings.HasPrefix(contentType, "text/parameters"):
		for _, line := range strings.Split(string(req.Body), "\n") {
			name, value, ok := strings.Cut(strings.TrimSpace(line), ":")
			if !ok {
				continue
			}
			name = strings.TrimSpace(name)
			value = strings.TrimSpace(value)
			switch name {
			case "volume":
				m.applyVolumeLocked(s, value)
			case "progress":
				applyProgressLocked(s, value)
			}
		}
	case contentType == "application/x-dmap-tagged":
		items, err := ParseDMAP(req.Body)
		if err == nil {
			applyDMAPLocked(s, items)
		}
		s.meta.picture = nil
		s.meta.pictureWant = 0
	case strings.HasPrefix(contentType, "image/"):
		if contentType == "image/none" {
			s.meta.picture = nil
			s.meta.pictureMIME = ""
			s.meta.pictureWant = 0
		} else {
			if s.meta.pictureMIME != contentType {
				s.meta.picture = nil
			}
			s.meta.pictureMIME = contentType
			if cl, err := strconv.Atoi(req.Header("content-length")); err == nil {
				s.meta.pictureWant = cl
			}
			s.meta.picture = append(s.meta.picture, req.Body...)
			if s.meta.pictureWant > 0 && len(s.meta.picture) > s.meta.pictureWant {
				s.meta.picture = s.meta.picture[:s.meta.pictureWant]
			}
		}
	}
	return resp
}

func (m *Manager) applyVolumeLocked(s *Session, value string) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return
	}
	s.volumeDB = f
	var vol uint32
	if f <= -144.0 {
		vol = 0
	} else {
		if f < -30 {
			f = -30
		}
		if f > 0 {
			f = 0
		}
		vol = uint32((f + 30) / 30 * config.VolumeMax)
	}
	if s.stream != nil && s.streamMixer != nil {
		s.streamMixer.SetStreamVolume(s.stream, vol)
	}
}

func applyProgressLocked(s *Session, value string) {
	parts := strings.Split(value, "/")
	if len(parts) != 3 || s.decoder == nil || s.decoder.SampleRate() == 0 {
		return
	}
	start, err1 := strconv.ParseUint(parts[0], 10, 32)
	cur, err2 := strconv.ParseUint(parts[1], 10, 32)
	end, err3 := strconv.ParseUint(parts[2], 10, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		return
	}
	rate := float64(s.decoder.SampleRate())
	s.meta.Position = float64(cur-start) / rate
	s.meta.Duration = float64(end-start) / rate
}

func applyDMAPLocked(s *Session, items []*DMAPItem) {
	if item := Find(items, "minm"); item != nil {
		s.meta.Title = item.Str
	}
	if item := Find(items, "asar"); item != nil {
		s.meta.Artist = item.Str
	}
	if item := Find(items, "asal"); item != nil {
		s.meta.Album = item.Str
	}
}

func (m *Manager) handleGetParameter(client *rtsp.Client, req *rtsp.Request, resp *rtsp.Response) *rtsp.Response {
	s := m.session(client)
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(string(req.Body)) == "volume" {
		resp.Headers["Content-Type"] = "text/parameters"
		resp.Body = []byte(fmt.Sprintf("volume: %.6f\r\n", s.volumeDB))
	}
	return resp
}

func (m *Manager) handleTeardown(client *rtsp.Client, req *rtsp.Request, resp *rtsp.Response) *rtsp.Response {
	m.mu.Lock()
	s, ok := m.sessions[client.ID]
	if ok {
		delete(m.sessions, client.ID)
	}
	m.mu.Unlock()
	if !ok {
		return resp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamMixer != nil && s.stream != nil {
		s.streamMixer.RemoveStream(s.stream)
	}
	if s.runCancel != nil {
		s.runCancel()
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
	return resp
}

// resendRequest is the JitterConfig.OnResent callback: it asks the
// client to retransmit a run of packets that fell past the resend
// threshold but haven't yet been declared lost.
func (s *Session) resendRequest(firstSeq, count uint16) {
	s.mu.Lock()
	receiver, peer := s.receiver, s.rtcpPeer
	s.mu.Unlock()
	if receiver == nil || peer == nil {
		return
	}
	receiver.RequestResend(peer)(firstSeq, count)
}

// handleRTCP is the control-socket callback wired via
// rtpio.Receiver.OnRTCP. Receiver masks off the marker bit before
// invoking this callback, so the AirPlay-specific payload constants
// (which include that bit) are compared here with the same mask.
func (s *Session) handleRTCP(payloadType byte, buf []byte) {
	switch payloadType {
	case byte(rtpio.PayloadTimeSync) & 0x7F:
		// Round-trip delay is available via rtpio.TimeSyncDelay(buf); the
		// jitter buffer's fixed delay window already absorbs it, so no
		// further action is taken here.
	case byte(rtpio.PayloadRetransmitResp) & 0x7F:
		inner, err := rtpio.DecodeRetransmitResponse(buf)
		if err != nil {
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(inner); err != nil {
			return
		}
		s.receiver.Jitter().Put(&pkt)
	}
}

// read is the mixer.ReadFunc a SETUP-created stream pulls from: inject
// silence for lost packets, drain any PCM still buffered in the
// decoder, then decrypt and decode the next arriving RTP packet. This
// is the RAOP handle's per-read algorithm.
func (s *Session) read(out []int16, format *mixer.Format) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channels := s.decoder.Channels()
	if channels == 0 {
		channels = 1
	}

	if s.silenceRemaining > 0 {
		n := s.silenceRemaining
		if n > len(out)/channels {
			n = len(out) / channels
		}
		for i := 0; i < n*channels; i++ {
			out[i] = 0
		}
		s.silenceRemaining -= n
		return n, nil
	}

	var info codec.Info
	if n, err := s.decoder.Decode(nil, out, &info); err == nil && n > 0 {
		return n, nil
	}

	// Drain at most MaxRTPRecvPerPoll queue entries per pull so one read
	// call cannot monopolize the device thread on a corrupt burst.
	for tries := 0; tries < config.MaxRTPRecvPerPoll; tries++ {
		pkt, err := s.receiver.Jitter().Get()
		if err != nil {
			s.silenceRemaining += s.samplesPerFrame
			n := s.silenceRemaining
			if n > len(out)/channels {
				n = len(out) / channels
			}
			for i := 0; i < n*channels; i++ {
				out[i] = 0
			}
			s.silenceRemaining -= n
			return n, nil
		}

		payload := pkt.Payload
		if s.decrypter != nil {
			payload = s.decrypter.DecryptPacket(payload)
		}

		var decodeInfo codec.Info
		n, err := s.decoder.Decode(payload, out, &decodeInfo)
		if err != nil && n == 0 {
			continue
		}
		return n, nil
	}
	return 0, nil
}
