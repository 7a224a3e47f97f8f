// conn.go holds the per-connection state the event loop manages: the raw
// socket fd, the accumulation buffers for partial reads and pending writes,
// and the draining flag.
//
// Connection lifecycle: ACTIVE (reads accepted) -> DRAINING (disconnect
// requested, pending output still flushing) -> removed. A connection is only
// ever deregistered once it is draining AND its write buffer is empty, so no
// response the server committed to is dropped.

package main

import "bytes"

type clientConn struct {
	fd       int
	readBuf  []byte
	writeBuf []byte

	// draining marks the connection for close once writeBuf empties.
	// Set on QUIT, on peer disconnect, and on read errors.
	draining bool

	// writable tracks whether EPOLLOUT interest is currently registered,
	// so the loop only issues epoll_ctl when the interest actually flips.
	writable bool
}

func newClientConn(fd int) *clientConn {
	return &clientConn{fd: fd}
}

// appendInput adds freshly read bytes to the read buffer.
func (c *clientConn) appendInput(p []byte) {
	c.readBuf = append(c.readBuf, p...)
}

// nextCommand extracts the next complete command from the read buffer. A
// command is terminated by the first '\n'; a '\r' immediately before it is
// stripped. Returns ok=false when no full terminator has arrived yet; the
// partial fragment stays buffered untouched.
func (c *clientConn) nextCommand() (line string, ok bool) {
	i := bytes.IndexByte(c.readBuf, '\n')
	if i < 0 {
		return "", false
	}

	raw := c.readBuf[:i]
	if n := len(raw); n > 0 && raw[n-1] == '\r' {
		raw = raw[:n-1]
	}
	line = string(raw)

	c.readBuf = c.readBuf[i+1:]
	return line, true
}

// queueReply appends an encoded reply to the pending output.
func (c *clientConn) queueReply(reply []byte) {
	c.writeBuf = append(c.writeBuf, reply...)
}

// consumeOutput drops the first n bytes of pending output after a partial
// or complete send.
func (c *clientConn) consumeOutput(n int) {
	c.writeBuf = c.writeBuf[n:]
	if len(c.writeBuf) == 0 {
		c.writeBuf = nil
	}
}

func (c *clientConn) hasPendingOutput() bool {
	return len(c.writeBuf) > 0
}
