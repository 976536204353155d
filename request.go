package httpio

import (
	"bytes"
	"context"
	"io"
	"net/url"
)

// BodySource is the byte-chunk sequence a Fetch pulls an outbound
// request body from. Next returns the next chunk to send, or io.EOF
// once the body is exhausted.
type BodySource interface {
	Next(ctx context.Context) ([]byte, error)
}

// readerBodySource adapts an io.Reader into a BodySource by pulling
// fixed-size chunks, so callers with an ordinary io.Reader (a file, a
// bytes.Buffer, the output of another Body) don't need to implement
// Next themselves.
type readerBodySource struct {
	r         io.Reader
	chunkSize int
}

// NewBodySource wraps r as a BodySource that reads in chunkSize pieces
// (4096 if chunkSize <= 0).
func NewBodySource(r io.Reader, chunkSize int) BodySource {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	return &readerBodySource{r: r, chunkSize: chunkSize}
}

func (s *readerBodySource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, s.chunkSize)
	n, err := s.r.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

// BytesBody returns a BodySource that yields b as a single chunk. The
// source carries no length; set Request.ContentLength (or
// ServerResponse.ContentLength) to len(b) separately.
func BytesBody(b []byte) BodySource {
	n := len(b)
	if n == 0 {
		n = 1
	}
	return NewBodySource(bytes.NewReader(b), n)
}

// Request describes an outbound request for Client.Fetch, or the
// inbound request a Server.Handler receives.
//
// ContentLength is -1 when unknown (the body will be sent chunked);
// Context returns the context NewRequest was given, while Client.Fetch
// takes its cancellation from its own ctx argument.
type Request struct {
	Method     string
	URL        *url.URL
	RequestURI string
	Proto      string
	Header     *Header
	Body       BodySource

	Host          string
	ContentLength int64

	ctx context.Context

	// RequestID is the caller/server-generated identifier for this
	// request.
	RequestID string
	// CorrelationID is a propagated ID from the peer, carried in the
	// X-Correlation-Id header.
	CorrelationID string
	Trace         Trace
}

// Context returns the request's context, or context.Background if none
// was attached.
func (r *Request) Context() context.Context {
	if r == nil || r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r with its context changed to
// ctx, mirroring net/http's Request.WithContext.
func WithContext(r *Request, ctx context.Context) *Request {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// NewRequest builds a Request ready for Client.Fetch. body may be nil
// for a bodyless request (GET, HEAD, ...).
func NewRequest(ctx context.Context, method, rawURL string, body BodySource) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ProtocolError{Reason: "invalid URL: " + err.Error()}
	}
	cl := int64(-1)
	if body == nil {
		cl = 0
		body = BytesBody(nil)
	}
	uri := u.RequestURI()
	return &Request{
		Method:        method,
		URL:           u,
		RequestURI:    uri,
		Proto:         "HTTP/1.1",
		Header:        NewHeader(),
		Body:          body,
		Host:          u.Host,
		ContentLength: cl,
		ctx:           ctx,
		RequestID:     genID(),
	}, nil
}
