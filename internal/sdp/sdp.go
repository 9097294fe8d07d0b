// Package sdp parses the minimal subset of SDP carried in a RAOP
// ANNOUNCE request body: the media line, rtpmap/fmtp codec parameters,
// and the RSA-wrapped AES key/IV attributes.
package sdp

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// ErrNoMediaSection is returned when a description has no "m=" line.
var ErrNoMediaSection = errors.New("sdp: no media section found")

// Media describes the single audio media section of a RAOP ANNOUNCE.
type Media struct {
	Type        string // always "audio" for RAOP
	Port        int
	Proto       string // "RTP/AVP"
	PayloadType int

	RTPMapEncoding   string // e.g. "AppleLossless", "mpeg4-generic", "L16"
	RTPMapClockRate  int
	RTPMapChannels   int
	FmtpParams       []string // raw whitespace-separated fmtp tokens, codec-specific
	RSAAESKey        []byte   // decoded "a=rsaaeskey", still RSA-wrapped
	AESIV            []byte   // decoded "a=aesiv"
	ExtraAttributes  map[string]string
}

// Description is a parsed SDP session description.
type Description struct {
	SessionName string
	Origin      string
	Connection  string
	Media       Media
}

// Parse parses the text of an SDP body (as delivered in an ANNOUNCE
// request) into a Description.
func Parse(body string) (*Description, error) {
	desc := &Description{}
	desc.Media.ExtraAttributes = make(map[string]string)

	haveMedia := false
	for _, rawLine := range strings.Split(body, "\n") {
		line := strings.TrimRight(rawLine, "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		key, value := line[0], line[2:]

		switch key {
		case 's':
			desc.SessionName = value
		case 'o':
			desc.Origin = value
		case 'c':
			desc.Connection = value
		case 'm':
			if err := parseMediaLine(value, &desc.Media); err != nil {
				return nil, err
			}
			haveMedia = true
		case 'a':
			if err := parseAttribute(value, &desc.Media); err != nil {
				return nil, err
			}
		}
	}

	if !haveMedia {
		return nil, ErrNoMediaSection
	}
	return desc, nil
}

func parseMediaLine(value string, m *Media) error {
	fields := strings.Fields(value)
	if len(fields) < 4 {
		return errors.New("sdp: malformed media line")
	}
	m.Type = fields[0]
	port, err := strconv.Atoi(fields[1])
	if err == nil {
		m.Port = port
	}
	m.Proto = fields[2]
	if pt, err := strconv.Atoi(fields[3]); err == nil {
		m.PayloadType = pt
	}
	return nil
}

func parseAttribute(value string, m *Media) error {
	name, rest, hasValue := strings.Cut(value, ":")
	if !hasValue {
		m.ExtraAttributes[value] = ""
		return nil
	}

	switch name {
	case "rtpmap":
		// "<payload> <encoding>/<clockrate>[/<channels>]"
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			return nil
		}
		parts := strings.Split(fields[1], "/")
		m.RTPMapEncoding = parts[0]
		if len(parts) > 1 {
			if rate, err := strconv.Atoi(parts[1]); err == nil {
				m.RTPMapClockRate = rate
			}
		}
		if len(parts) > 2 {
			if ch, err := strconv.Atoi(parts[2]); err == nil {
				m.RTPMapChannels = ch
			}
		}
	case "fmtp":
		fields := strings.Fields(rest)
		if len(fields) > 1 {
			m.FmtpParams = fields[1:]
		}
	case "rsaaeskey":
		decoded, err := decodeBase64Loose(rest)
		if err != nil {
			return err
		}
		m.RSAAESKey = decoded
	case "aesiv":
		decoded, err := decodeBase64Loose(rest)
		if err != nil {
			return err
		}
		m.AESIV = decoded
	default:
		m.ExtraAttributes[name] = rest
	}
	return nil
}

// decodeBase64Loose accepts both padded and unpadded base64, since
// Apple clients omit padding on the rsaaeskey/aesiv attributes.
func decodeBase64Loose(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// FmtpInt parses the i'th (0-indexed) fmtp token as an integer, used
// for ALAC's fixed-position magic cookie fields.
func (m *Media) FmtpInt(i int) (int, bool) {
	if i < 0 || i >= len(m.FmtpParams) {
		return 0, false
	}
	v, err := strconv.Atoi(m.FmtpParams[i])
	if err != nil {
		return 0, false
	}
	return v, true
}
