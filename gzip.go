package httpio

import (
	"context"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// gzipEncodeSource wraps a BodySource so each Next call yields
// gzip-compressed bytes instead of the caller's original chunks, the
// Server's opt-in response compression. It runs the compressor on its
// own goroutine, feeding an io.Pipe so Next can keep the same pull-style
// contract as every other BodySource instead of needing its own
// buffering scheme.
type gzipEncodeSource struct {
	pr      *io.PipeReader
	started chan struct{}
	buf     []byte
}

// newGzipEncodeSource starts compressing src in the background and
// returns a BodySource that yields the compressed stream.
func newGzipEncodeSource(ctx context.Context, src BodySource) BodySource {
	pr, pw := io.Pipe()
	g := &gzipEncodeSource{pr: pr, started: make(chan struct{})}
	go g.run(ctx, src, pw)
	return g
}

func (g *gzipEncodeSource) run(ctx context.Context, src BodySource, pw *io.PipeWriter) {
	zw := gzip.NewWriter(pw)
	for {
		chunk, err := src.Next(ctx)
		if len(chunk) > 0 {
			if _, werr := zw.Write(chunk); werr != nil {
				_ = zw.Close()
				_ = pw.CloseWithError(werr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				closeErr := zw.Close()
				_ = pw.CloseWithError(closeErr)
			} else {
				_ = zw.Close()
				_ = pw.CloseWithError(err)
			}
			return
		}
	}
}

func (g *gzipEncodeSource) Next(ctx context.Context) ([]byte, error) {
	if g.buf == nil {
		g.buf = make([]byte, 32*1024)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := g.pr.Read(g.buf)
	if n > 0 {
		return append([]byte(nil), g.buf[:n]...), nil
	}
	return nil, err
}

// acceptsGzip reports whether hdr's Accept-Encoding lists gzip, the
// condition Server.EnableGzip gates response compression on.
func acceptsGzip(hdr *Header) bool {
	for _, v := range hdr.Values("Accept-Encoding") {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), "gzip") {
				return true
			}
		}
	}
	return false
}
