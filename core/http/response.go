package http

// Supported status codes
const (
	StatusOK                  = 200
	StatusBadRequest          = 400
	StatusNotFound            = 404
	StatusInternalServerError = 500
)

// StatusText returns the reason phrase, or "" for an unsupported code
func StatusText(code int) string {
	switch code {
	case StatusOK:
		return "OK"
	case StatusBadRequest:
		return "Bad Request"
	case StatusNotFound:
		return "Not Found"
	case StatusInternalServerError:
		return "Internal Server Error"
	default:
		return ""
	}
}

// AppendResponse encodes a complete response onto dst. Persistent responses
// carry Connection and Keep-Alive headers advertising keepAliveSecs.
func AppendResponse(dst []byte, v Version, code int, keepAlive bool, keepAliveSecs int, body []byte) []byte {
	if v == VersionUnknown {
		v = Version11
	}

	// Status line
	dst = append(dst, v.String()...)
	dst = append(dst, ' ')
	dst = appendInt(dst, code)
	dst = append(dst, ' ')
	dst = append(dst, StatusText(code)...)
	dst = append(dst, "\r\n"...)

	// Headers
	if keepAlive {
		dst = append(dst, "Connection: keep-alive\r\n"...)
		dst = append(dst, "Keep-Alive: timeout="...)
		dst = appendInt(dst, keepAliveSecs)
		dst = append(dst, "\r\n"...)
	}
	dst = append(dst, "Content-Length: "...)
	dst = appendInt(dst, len(body))
	dst = append(dst, "\r\n\r\n"...)

	return append(dst, body...)
}

// appendInt appends the decimal form of i
func appendInt(b []byte, i int) []byte {
	if i < 0 {
		b = append(b, '-')
		i = -i
	}
	var tmp [20]byte
	pos := len(tmp)
	for {
		pos--
		tmp[pos] = byte('0' + i%10)
		i /= 10
		if i == 0 {
			break
		}
	}
	return append(b, tmp[pos:]...)
}
