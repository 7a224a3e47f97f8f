package main

import "strconv"

// Pre-allocated replies for the hot cases so the common SET/DEL/EXISTS paths
// never allocate.
var (
	respOK   = []byte("+OK\r\n")
	respZero = []byte(":0\r\n")
	respOne  = []byte(":1\r\n")
	respNil  = []byte("$-1\r\n")
)

// simpleStringReply encodes +<s>\r\n.
func simpleStringReply(s string) []byte {
	if s == "OK" {
		return respOK
	}
	buf := make([]byte, 0, 1+len(s)+2)
	buf = append(buf, '+')
	buf = append(buf, s...)
	buf = append(buf, '\r', '\n')
	return buf
}

// errorReply encodes -ERR <msg>\r\n.
func errorReply(msg string) []byte {
	buf := make([]byte, 0, 5+len(msg)+2)
	buf = append(buf, "-ERR "...)
	buf = append(buf, msg...)
	buf = append(buf, '\r', '\n')
	return buf
}

// integerReply encodes :<n>\r\n.
func integerReply(n int) []byte {
	if n == 0 {
		return respZero
	}
	if n == 1 {
		return respOne
	}
	buf := make([]byte, 0, 24)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(n), 10)
	buf = append(buf, '\r', '\n')
	return buf
}

// bulkStringReply encodes $<len>\r\n<s>\r\n.
func bulkStringReply(s string) []byte {
	buf := make([]byte, 0, 16+len(s))
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(s)), 10)
	buf = append(buf, '\r', '\n')
	buf = append(buf, s...)
	buf = append(buf, '\r', '\n')
	return buf
}

// nilReply encodes the null bulk string $-1\r\n.
func nilReply() []byte {
	return respNil
}
