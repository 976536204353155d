package http1

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
)

var (
	errSmuggling         = errors.New("http1: conflicting Content-Length/Transfer-Encoding framing")
	errHeaderTooLarge    = errors.New("http1: header block exceeds MaxTotalHeaderBytes")
	errInvalidHeaderName = errors.New("http1: invalid header field name")
)

// ParsedRequest is a request line plus headers parsed off the wire, with
// Body already wrapped in whatever framing (chunked, fixed-length, none)
// the headers declared.
type ParsedRequest struct {
	Method        string
	RequestURI    string
	Proto         string
	Header        Header
	ContentLength int64
	Body          io.ReadCloser
}

// ParsedResponse is the client-side counterpart of ParsedRequest: a
// status line plus headers, with Body framed the same way.
type ParsedResponse struct {
	StatusCode int
	Reason     string
	Proto      string
	Header     Header
	// ContentLength is -1 for chunked, -2 for "read until EOF" (no
	// Content-Length and no chunked framing, HTTP/1.0 or Connection:
	// close style), otherwise the declared byte count.
	ContentLength int64
	Body          io.ReadCloser
}

// Reader parses HTTP/1.x messages off a buffered connection. It holds no
// per-message state, so callers may build a fresh Reader for each
// message over the same bufio.Reader (internal/conn does so per request).
type Reader struct {
	BR             *bufio.Reader
	MaxHeaderBytes int // per-line limit
	// MaxTotalHeaderBytes bounds the sum of every header line in one
	// message; zero means unbounded. Guards against an otherwise
	// well-formed header block that never ends.
	MaxTotalHeaderBytes int
}

// ReadRequest parses a request line and headers, the server side of a
// connection.
func (r *Reader) ReadRequest() (*ParsedRequest, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, io.ErrUnexpectedEOF
	}
	method, uri, proto := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, io.ErrUnexpectedEOF
	}
	hdr, err := r.readHeaders()
	if err != nil {
		return nil, err
	}
	cl, body, err := r.frameBody(hdr, true)
	if err != nil {
		return nil, err
	}
	return &ParsedRequest{
		Method:        method,
		RequestURI:    uri,
		Proto:         proto,
		Header:        hdr,
		ContentLength: cl,
		Body:          body,
	}, nil
}

// ReadResponse parses a status line and headers, the client side of a
// connection. Any 1xx interim responses (e.g. a "100 Continue" answer
// to an Expect: 100-continue request) are read and discarded in a loop
// first — a response can carry more than one status line for the same
// exchange, and only the final one's headers and framing matter.
func (r *Reader) ReadResponse() (*ParsedResponse, error) {
	for {
		code, reason, proto, hdr, err := r.readStatusAndHeaders()
		if err != nil {
			return nil, err
		}
		if code >= 100 && code < 200 {
			continue
		}
		cl, body, err := r.frameBody(hdr, false)
		if err != nil {
			return nil, err
		}
		return &ParsedResponse{
			StatusCode:    code,
			Reason:        reason,
			Proto:         proto,
			Header:        hdr,
			ContentLength: cl,
			Body:          body,
		}, nil
	}
}

func (r *Reader) readStatusAndHeaders() (code int, reason, proto string, hdr Header, err error) {
	line, err := r.readLine()
	if err != nil {
		return 0, "", "", nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, "", "", nil, io.ErrUnexpectedEOF
	}
	proto = parts[0]
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return 0, "", "", nil, io.ErrUnexpectedEOF
	}
	code, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", "", nil, io.ErrUnexpectedEOF
	}
	if len(parts) == 3 {
		reason = parts[2]
	}
	hdr, err = r.readHeaders()
	if err != nil {
		return 0, "", "", nil, err
	}
	return code, reason, proto, hdr, nil
}

// frameBody decides, from the parsed headers, how the message body is
// delimited and wraps BR accordingly. serverSide controls the fallback
// when neither Transfer-Encoding nor Content-Length is present: a
// request with no framing header has no body, while a response without
// one is read until the connection closes.
//
// A message carrying both Transfer-Encoding: chunked and Content-Length
// is rejected outright rather than picking one, the classic request
// smuggling ambiguity; so is a Content-Length header whose
// comma-separated values disagree with each other.
func (r *Reader) frameBody(hdr Header, serverSide bool) (int64, io.ReadCloser, error) {
	chunked := hdr.HasToken("Transfer-Encoding", "chunked")
	clValues := hdr.Values("Content-Length")
	if chunked && len(clValues) > 0 {
		return 0, nil, errSmuggling
	}
	if chunked {
		return -1, newChunkedBody(r.BR, r.MaxHeaderBytes), nil
	}
	if len(clValues) > 0 {
		n, err := parseConsistentContentLength(clValues)
		if err != nil {
			return 0, nil, err
		}
		if n == 0 {
			return 0, io.NopCloser(strings.NewReader("")), nil
		}
		return n, &limitedBody{lr: &io.LimitedReader{R: r.BR, N: n}}, nil
	}
	if serverSide {
		return 0, io.NopCloser(strings.NewReader("")), nil
	}
	return -2, io.NopCloser(r.BR), nil
}

// parseConsistentContentLength accepts either one Content-Length header,
// or several whose values (after splitting any individually
// comma-joined header) all agree, and rejects everything else.
func parseConsistentContentLength(values []string) (int64, error) {
	var n int64 = -1
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				return 0, errSmuggling
			}
			m, err := strconv.ParseInt(part, 10, 64)
			if err != nil || m < 0 {
				return 0, io.ErrUnexpectedEOF
			}
			if n == -1 {
				n = m
			} else if n != m {
				return 0, errSmuggling
			}
		}
	}
	return n, nil
}

func (r *Reader) readHeaders() (Header, error) {
	var h Header
	var total int
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		total += len(line)
		if r.MaxTotalHeaderBytes > 0 && total > r.MaxTotalHeaderBytes {
			return nil, errHeaderTooLarge
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, io.ErrUnexpectedEOF
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if SanitizeHeaderKey(k) == "" {
			return nil, errInvalidHeaderName
		}
		h.Add(k, v)
	}
	return h, nil
}

func (r *Reader) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := r.BR.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if r.MaxHeaderBytes > 0 && sb.Len() > r.MaxHeaderBytes {
			return "", io.ErrShortBuffer
		}
	}
	return sb.String(), nil
}

type limitedBody struct {
	lr *io.LimitedReader
}

func (b *limitedBody) Read(p []byte) (int, error) { return b.lr.Read(p) }

func (b *limitedBody) Close() error {
	// Drain remaining bytes to allow next request on the same connection.
	buf := make([]byte, 1024)
	for b.lr.N > 0 {
		n := int64(len(buf))
		if n > b.lr.N {
			n = b.lr.N
		}
		if n <= 0 {
			break
		}
		if _, err := io.ReadFull(b.lr, buf[:n]); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				break
			}
			return err
		}
	}
	return nil
}
