package airplay

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// RTSP-shaped messages ride the encrypted control and event channels.
// They are HTTP/1.1-framed text; the header set and the property-list
// bodies are what the peer actually keys on.

const (
	rtspProto        = "RTSP/1.0"
	plistContentType = "application/x-apple-binary-plist"
	userAgent        = "AirPlay/550.10"
)

// header is one ordered header line.
type header struct {
	name  string
	value string
}

// requestSpec assembles one outbound request.
type requestSpec struct {
	method  string
	target  string
	headers []header
	body    []byte
}

func (r *requestSpec) format() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\n", r.method, r.target, rtspProto)
	for _, h := range r.headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.name, h.value)
	}
	if len(r.body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(r.body))
	}
	b.WriteString("\r\n")
	b.Write(r.body)
	return b.Bytes()
}

// message is a parsed inbound RTSP-shaped message, response or request.
type message struct {
	startLine string
	headers   map[string]string // lower-cased names
	body      []byte
}

// statusCode extracts the numeric status of a response message.
func (m *message) statusCode() (int, error) {
	parts := strings.SplitN(m.startLine, " ", 3)
	if len(parts) < 2 {
		return 0, fmt.Errorf("malformed status line %q", m.startLine)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed status %q", parts[1])
	}
	return code, nil
}

// parseMessage extracts one complete message from buf. A partial
// message returns nil with the buffer untouched.
func parseMessage(buf []byte) (*message, []byte, error) {
	end := bytes.Index(buf, []byte("\r\n\r\n"))
	if end < 0 {
		return nil, buf, nil
	}
	head := string(buf[:end])
	rest := buf[end+4:]

	lines := strings.Split(head, "\r\n")
	m := &message{
		startLine: lines[0],
		headers:   make(map[string]string),
	}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, nil, fmt.Errorf("malformed header line %q", line)
		}
		m.headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}

	var contentLen int
	if v, ok := m.headers["content-length"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("malformed content length %q", v)
		}
		contentLen = n
	}
	if len(rest) < contentLen {
		return nil, buf, nil
	}
	if contentLen > 0 {
		m.body = append([]byte(nil), rest[:contentLen]...)
	}
	return m, rest[contentLen:], nil
}

// formatEventResponse builds the minimal 200 response for an inbound
// event-channel request, echoing CSeq and Server when present.
func formatEventResponse(req *message) []byte {
	var b bytes.Buffer
	b.WriteString(rtspProto + " 200 OK\r\n")
	if v, ok := req.headers["cseq"]; ok {
		fmt.Fprintf(&b, "CSeq: %s\r\n", v)
	}
	if v, ok := req.headers["server"]; ok {
		fmt.Fprintf(&b, "Server: %s\r\n", v)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}
