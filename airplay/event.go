package airplay

import (
	"bufio"
	"net"

	"github.com/atvremote/atv-go/hap"
)

// eventLoop answers server-initiated requests on the event socket. Each
// inbound encrypted request gets a minimal 200 response echoing CSeq
// and Server. A malformed message is logged and dropped; a read or
// decrypt failure ends the channel and the connection.
func (c *Connection) eventLoop(conn net.Conn, session *hap.Session) {
	reader := hap.NewReader(bufio.NewReader(conn), session)
	writer := hap.NewWriter(conn, session)

	var buf []byte
	for {
		chunk, err := reader.ReadChunk()
		if err != nil {
			c.logger.Debug("event reader stopped", "err", err)
			c.teardown()
			return
		}
		buf = append(buf, chunk...)
		for {
			req, rest, err := parseMessage(buf)
			if err != nil {
				c.logger.Warn("dropping malformed event message", "err", err)
				buf = nil
				break
			}
			if req == nil {
				break
			}
			buf = rest
			c.logger.Debug("event request", "line", req.startLine)
			if err := writer.WriteMessage(formatEventResponse(req)); err != nil {
				c.logger.Debug("event writer stopped", "err", err)
				c.teardown()
				return
			}
		}
	}
}
