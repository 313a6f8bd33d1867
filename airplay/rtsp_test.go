package airplay

import (
	"strings"
	"testing"
)

func TestRequestFormat(t *testing.T) {
	req := &requestSpec{
		method: "SETUP",
		target: "rtsp://10.0.0.2/12345",
		headers: []header{
			{"CSeq", "3"},
			{"DACP-ID", "a1b2c3d4e5f60708"},
		},
		body: []byte{0x62, 0x70},
	}
	out := string(req.format())
	if !strings.HasPrefix(out, "SETUP rtsp://10.0.0.2/12345 RTSP/1.0\r\n") {
		t.Fatalf("request line: %q", out)
	}
	if !strings.Contains(out, "CSeq: 3\r\n") || !strings.Contains(out, "Content-Length: 2\r\n") {
		t.Fatalf("headers: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\nbp") {
		t.Fatalf("body separation: %q", out)
	}
}

func TestParseMessageResponse(t *testing.T) {
	raw := []byte("RTSP/1.0 200 OK\r\nCSeq: 7\r\nContent-Length: 4\r\n\r\nbodyNEXT")
	m, rest, err := parseMessage(raw)
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	if m == nil {
		t.Fatal("message not complete")
	}
	code, err := m.statusCode()
	if err != nil || code != 200 {
		t.Fatalf("status = %d, %v", code, err)
	}
	if m.headers["cseq"] != "7" {
		t.Fatalf("cseq = %q", m.headers["cseq"])
	}
	if string(m.body) != "body" {
		t.Fatalf("body = %q", m.body)
	}
	if string(rest) != "NEXT" {
		t.Fatalf("rest = %q", rest)
	}
}

func TestParseMessagePartial(t *testing.T) {
	full := []byte("RTSP/1.0 200 OK\r\nContent-Length: 10\r\n\r\n0123456789")
	for _, cut := range []int{5, 20, len(full) - 1} {
		m, rest, err := parseMessage(full[:cut])
		if err != nil {
			t.Fatalf("cut %d: %v", cut, err)
		}
		if m != nil {
			t.Fatalf("cut %d: message complete early", cut)
		}
		if len(rest) != cut {
			t.Fatalf("cut %d: buffer consumed", cut)
		}
	}
}

func TestParseMessageNoBody(t *testing.T) {
	m, rest, err := parseMessage([]byte("RTSP/1.0 200 OK\r\nServer: AirTunes/366.0\r\n\r\n"))
	if err != nil || m == nil {
		t.Fatalf("parse: %v %v", m, err)
	}
	if len(m.body) != 0 || len(rest) != 0 {
		t.Fatal("unexpected body or remainder")
	}
}

func TestEventResponseEchoes(t *testing.T) {
	req, _, err := parseMessage([]byte("POST /command RTSP/1.0\r\nCSeq: 42\r\nServer: AirTunes/366.0\r\nContent-Length: 0\r\n\r\n"))
	if err != nil || req == nil {
		t.Fatalf("parse request: %v", err)
	}
	resp := string(formatEventResponse(req))
	if !strings.HasPrefix(resp, "RTSP/1.0 200 OK\r\n") {
		t.Fatalf("response line: %q", resp)
	}
	if !strings.Contains(resp, "CSeq: 42\r\n") || !strings.Contains(resp, "Server: AirTunes/366.0\r\n") {
		t.Fatalf("echoed headers: %q", resp)
	}

	// Without CSeq/Server, nothing is echoed.
	bare, _, _ := parseMessage([]byte("POST /x RTSP/1.0\r\n\r\n"))
	if got := string(formatEventResponse(bare)); got != "RTSP/1.0 200 OK\r\n\r\n" {
		t.Fatalf("bare response: %q", got)
	}
}

func TestParseMessageMalformedHeader(t *testing.T) {
	if _, _, err := parseMessage([]byte("RTSP/1.0 200 OK\r\ngarbage-line\r\n\r\n")); err == nil {
		t.Fatal("expected malformed header error")
	}
}

func TestStatusCodeMalformed(t *testing.T) {
	m := &message{startLine: "RTSP/1.0"}
	if _, err := m.statusCode(); err == nil {
		t.Fatal("expected malformed status error")
	}
	m = &message{startLine: "RTSP/1.0 abc OK"}
	if _, err := m.statusCode(); err == nil {
		t.Fatal("expected non-numeric status error")
	}
}
