package http1

import (
	"bufio"
	"fmt"
)

// StartRequest writes a request line and headers for the client side of
// a connection. It does not write any body bytes; callers follow with
// WriteChunked/EndChunked or a direct bw.Write for a fixed-length body.
func StartRequest(bw *bufio.Writer, method, requestURI string, hdr Header, keepAlive bool) error {
	if _, err := fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", method, requestURI); err != nil {
		return err
	}
	return writeHeaderBlock(bw, hdr, keepAlive)
}

// StartResponse writes the status line and headers, including
// Connection and optional Transfer-Encoding: chunked. It does not write
// any body bytes.
func StartResponse(bw *bufio.Writer, status int, reason string, hdr Header, chunked, keepAlive bool) error {
	if reason == "" {
		reason = defaultReason(status)
	}
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, reason); err != nil {
		return err
	}
	if chunked {
		hdr.Del("Content-Length")
		if _, err := fmt.Fprint(bw, "Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	}
	return writeHeaderBlock(bw, hdr, keepAlive)
}

// WriteResponse writes a complete fixed-length response in one call,
// used for short error bodies where there is no streaming Body to pull
// from.
func WriteResponse(bw *bufio.Writer, status int, reason string, hdr Header, body []byte, keepAlive bool) error {
	if err := StartResponse(bw, status, reason, hdr, false, keepAlive); err != nil {
		return err
	}
	if len(body) > 0 {
		_, err := bw.Write(body)
		return err
	}
	return nil
}

func writeHeaderBlock(bw *bufio.Writer, hdr Header, keepAlive bool) error {
	for _, f := range hdr {
		if f.Name == "Connection" {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%s: %s\r\n", f.Name, SanitizeHeaderValue(f.Value)); err != nil {
			return err
		}
	}
	if keepAlive {
		if _, err := fmt.Fprint(bw, "Connection: keep-alive\r\n"); err != nil {
			return err
		}
	} else {
		if _, err := fmt.Fprint(bw, "Connection: close\r\n"); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(bw, "\r\n")
	return err
}

// DefaultReason returns the standard reason phrase for code, or "" if
// none is known (callers typically fall back to sending no phrase at
// all in that case, same as defaultReason's callers within this file).
func DefaultReason(code int) string { return defaultReason(code) }

func defaultReason(code int) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	default:
		return ""
	}
}

// WriteChunked writes one HTTP/1.1 chunk for chunked transfer encoding.
func WriteChunked(bw *bufio.Writer, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(bw, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := bw.Write(p); err != nil {
		return 0, err
	}
	if _, err := fmt.Fprint(bw, "\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

// EndChunked writes the terminating zero-length chunk.
func EndChunked(bw *bufio.Writer) error {
	_, err := fmt.Fprint(bw, "0\r\n\r\n")
	return err
}
