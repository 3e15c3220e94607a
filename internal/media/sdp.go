package media

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/flowpbx/callctl/internal/message"
)

// ContentTypeSDP is the SIP Content-Type of session descriptions.
const ContentTypeSDP = "application/sdp"

// PayloadTelephoneEvent is the dynamic payload type offered for RFC 4733
// telephone-event.
const PayloadTelephoneEvent = 101

// ErrNoCommonCodec is returned by Answer when the offer shares no codec
// with the local list.
var ErrNoCommonCodec = errors.New("no common codec")

// Codec is one rtpmap entry.
type Codec struct {
	PayloadType int
	Name        string // "PCMU", "opus", ...
	ClockRate   int
	Channels    int // 0 when not given
	Fmtp        string
}

// String returns the rtpmap value, e.g. "0 PCMU/8000".
func (c Codec) String() string {
	s := strconv.Itoa(c.PayloadType) + " " + c.Name + "/" + strconv.Itoa(c.ClockRate)
	if c.Channels > 0 {
		s += "/" + strconv.Itoa(c.Channels)
	}
	return s
}

// Format returns "name/rate" as reported in stream indications.
func (c Codec) Format() string {
	return c.Name + "/" + strconv.Itoa(c.ClockRate)
}

// DefaultCodecs are the static codecs offered and accepted when the
// endpoint is not told otherwise.
var DefaultCodecs = []Codec{
	{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	{PayloadType: 8, Name: "PCMA", ClockRate: 8000},
	{PayloadType: PayloadTelephoneEvent, Name: "telephone-event", ClockRate: 8000, Fmtp: "0-16"},
}

// staticCodecs resolves payload types listed on an m= line without rtpmap.
var staticCodecs = map[int]Codec{
	0:  {PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	8:  {PayloadType: 8, Name: "PCMA", ClockRate: 8000},
	9:  {PayloadType: 9, Name: "G722", ClockRate: 8000},
	18: {PayloadType: 18, Name: "G729", ClockRate: 8000},
}

// Media is one m= section.
type Media struct {
	Type      string // "audio", "video"
	Port      int
	Proto     string
	Formats   []int
	Address   string // media-level c= address, if any
	Codecs    []Codec
	Direction string // sendrecv, sendonly, recvonly, inactive
}

// Codec returns the codec for payload type pt, falling back to the static
// payload table.
func (m *Media) Codec(pt int) (Codec, bool) {
	for _, c := range m.Codecs {
		if c.PayloadType == pt && c.Name != "" {
			return c, true
		}
	}
	c, ok := staticCodecs[pt]
	return c, ok
}

// Session is a parsed session description. Only the fields signaling
// needs are kept.
type Session struct {
	Origin    string // o= value
	SessionID string
	Address   string // session-level c= address
	Media     []Media
}

// ParseSDP parses an SDP body. Unknown lines are skipped.
func ParseSDP(data []byte) (*Session, error) {
	text := strings.TrimSpace(strings.ReplaceAll(string(data), "\r\n", "\n"))
	if text == "" {
		return nil, fmt.Errorf("empty sdp body")
	}

	s := &Session{}
	var cur *Media
	for _, line := range strings.Split(text, "\n") {
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'o':
			fields := strings.Fields(value)
			if len(fields) < 6 {
				return nil, fmt.Errorf("invalid sdp origin %q", value)
			}
			s.Origin = value
			s.SessionID = fields[1]
		case 'c':
			addr, err := parseConnection(value)
			if err != nil {
				return nil, err
			}
			if cur != nil {
				cur.Address = addr
			} else {
				s.Address = addr
			}
		case 'm':
			m, err := parseMedia(value)
			if err != nil {
				return nil, err
			}
			s.Media = append(s.Media, m)
			cur = &s.Media[len(s.Media)-1]
		case 'a':
			if cur != nil {
				parseAttribute(cur, value)
			}
		}
	}
	return s, nil
}

func parseConnection(value string) (string, error) {
	fields := strings.Fields(value)
	if len(fields) < 3 {
		return "", fmt.Errorf("invalid sdp connection %q", value)
	}
	addr, _, _ := strings.Cut(fields[2], "/")
	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("invalid sdp connection address %q", addr)
	}
	return addr, nil
}

func parseMedia(value string) (Media, error) {
	fields := strings.Fields(value)
	if len(fields) < 4 {
		return Media{}, fmt.Errorf("invalid sdp media line %q", value)
	}
	portStr, _, _ := strings.Cut(fields[1], "/")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Media{}, fmt.Errorf("invalid sdp media port %q", fields[1])
	}

	m := Media{Type: fields[0], Port: port, Proto: fields[2], Direction: "sendrecv"}
	for _, f := range fields[3:] {
		pt, err := strconv.Atoi(f)
		if err != nil {
			return Media{}, fmt.Errorf("invalid sdp payload type %q", f)
		}
		m.Formats = append(m.Formats, pt)
	}
	return m, nil
}

func parseAttribute(m *Media, attr string) {
	name, value, _ := strings.Cut(attr, ":")
	switch name {
	case "rtpmap":
		ptStr, enc, ok := strings.Cut(value, " ")
		if !ok {
			return
		}
		pt, err := strconv.Atoi(ptStr)
		if err != nil {
			return
		}
		parts := strings.Split(enc, "/")
		if len(parts) < 2 {
			return
		}
		rate, err := strconv.Atoi(parts[1])
		if err != nil {
			return
		}
		c := Codec{PayloadType: pt, Name: parts[0], ClockRate: rate}
		if len(parts) > 2 {
			c.Channels, _ = strconv.Atoi(parts[2])
		}
		m.setCodec(c, false)
	case "fmtp":
		ptStr, params, ok := strings.Cut(value, " ")
		if !ok {
			return
		}
		if pt, err := strconv.Atoi(ptStr); err == nil {
			m.setCodec(Codec{PayloadType: pt, Fmtp: params}, true)
		}
	case "sendrecv", "sendonly", "recvonly", "inactive":
		m.Direction = name
	}
}

// setCodec merges rtpmap and fmtp lines for the same payload type, which
// may arrive in either order.
func (m *Media) setCodec(c Codec, fmtpOnly bool) {
	for i := range m.Codecs {
		if m.Codecs[i].PayloadType != c.PayloadType {
			continue
		}
		if fmtpOnly {
			m.Codecs[i].Fmtp = c.Fmtp
		} else {
			c.Fmtp = m.Codecs[i].Fmtp
			m.Codecs[i] = c
		}
		return
	}
	m.Codecs = append(m.Codecs, c)
}

// Marshal encodes the session with CRLF line endings.
func (s *Session) Marshal() []byte {
	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=" + s.Origin + "\r\n")
	b.WriteString("s=callctl\r\n")
	if s.Address != "" {
		b.WriteString("c=IN " + addrType(s.Address) + " " + s.Address + "\r\n")
	}
	b.WriteString("t=0 0\r\n")

	for _, m := range s.Media {
		fmts := make([]string, len(m.Formats))
		for i, f := range m.Formats {
			fmts[i] = strconv.Itoa(f)
		}
		b.WriteString("m=" + m.Type + " " + strconv.Itoa(m.Port) + " " + m.Proto + " " + strings.Join(fmts, " ") + "\r\n")
		if m.Address != "" {
			b.WriteString("c=IN " + addrType(m.Address) + " " + m.Address + "\r\n")
		}
		for _, c := range m.Codecs {
			b.WriteString("a=rtpmap:" + c.String() + "\r\n")
			if c.Fmtp != "" {
				b.WriteString("a=fmtp:" + strconv.Itoa(c.PayloadType) + " " + c.Fmtp + "\r\n")
			}
		}
		b.WriteString("a=" + m.Direction + "\r\n")
	}
	return []byte(b.String())
}

func addrType(addr string) string {
	if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}

// NewOffer builds an audio offer for the given RTP address and port.
func NewOffer(sessionID, address string, port int, codecs []Codec) *Session {
	if len(codecs) == 0 {
		codecs = DefaultCodecs
	}
	m := Media{Type: "audio", Port: port, Proto: "RTP/AVP", Direction: "sendrecv"}
	for _, c := range codecs {
		m.Formats = append(m.Formats, c.PayloadType)
		m.Codecs = append(m.Codecs, c)
	}
	return &Session{
		Origin:    "callctl " + sessionID + " " + sessionID + " IN " + addrType(address) + " " + address,
		SessionID: sessionID,
		Address:   address,
		Media:     []Media{m},
	}
}

// Answer builds the answer to an offer. Each offered audio stream keeps
// the first offered codec that is also in local, plus telephone-event if
// both sides have it; other streams are rejected with port 0.
func Answer(offer *Session, sessionID, address string, port int, local []Codec) (*Session, error) {
	if len(local) == 0 {
		local = DefaultCodecs
	}
	ans := NewOffer(sessionID, address, port, nil)
	ans.Media = nil

	accepted := false
	for i := range offer.Media {
		om := &offer.Media[i]
		am := Media{Type: om.Type, Port: 0, Proto: om.Proto, Direction: answerDirection(om.Direction)}

		if om.Type == "audio" && om.Port != 0 && !accepted {
			if voice, ok := pickCodec(om, local, false); ok {
				am.Port = port
				am.Formats = []int{voice.PayloadType}
				am.Codecs = []Codec{voice}
				if ev, ok := pickCodec(om, local, true); ok {
					am.Formats = append(am.Formats, ev.PayloadType)
					am.Codecs = append(am.Codecs, ev)
				}
				accepted = true
			}
		}
		if am.Port == 0 {
			am.Formats = om.Formats
			am.Direction = "inactive"
		}
		ans.Media = append(ans.Media, am)
	}

	if !accepted {
		return nil, ErrNoCommonCodec
	}
	return ans, nil
}

// pickCodec returns the first offered codec matching local by name. With
// events set it only considers telephone-event, otherwise it skips it.
func pickCodec(m *Media, local []Codec, events bool) (Codec, bool) {
	for _, pt := range m.Formats {
		c, ok := m.Codec(pt)
		if !ok || strings.EqualFold(c.Name, "telephone-event") != events {
			continue
		}
		for _, l := range local {
			if strings.EqualFold(l.Name, c.Name) && l.ClockRate == c.ClockRate {
				return c, true
			}
		}
	}
	return Codec{}, false
}

func answerDirection(offered string) string {
	switch offered {
	case "sendonly":
		return "recvonly"
	case "recvonly":
		return "sendonly"
	case "inactive":
		return "inactive"
	default:
		return "sendrecv"
	}
}

// Streams describes the negotiated streams of a session for stream
// indications. Rejected streams are reported closed.
func (s *Session) Streams() []message.StreamInfo {
	streams := make([]message.StreamInfo, 0, len(s.Media))
	for i := range s.Media {
		m := &s.Media[i]
		info := message.StreamInfo{
			ID:        m.Type + "-" + strconv.Itoa(i),
			Type:      m.Type,
			Direction: m.Direction,
			Opened:    m.Port != 0 && m.Direction != "inactive",
		}
		for _, pt := range m.Formats {
			if c, ok := m.Codec(pt); ok && !strings.EqualFold(c.Name, "telephone-event") {
				info.Format = c.Format()
				break
			}
		}
		streams = append(streams, info)
	}
	return streams
}
