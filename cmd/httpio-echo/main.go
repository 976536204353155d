package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os/signal"
	"syscall"

	"dqx0.com/go/httpio"
)

func main() {
	addr := flag.String("addr", ":8080", "address to serve the echo handler on (every path echoes)")
	fetch := flag.String("fetch", "", "if set, fetch this URL instead of serving")
	flag.Parse()

	if *fetch != "" {
		runFetch(*fetch)
		return
	}
	runServer(*addr)
}

func runFetch(url string) {
	c := &httpio.Client{EnableGzip: true}
	defer c.Close()

	req, err := httpio.NewRequest(context.Background(), "GET", url, nil)
	if err != nil {
		log.Fatal(err)
	}
	res, err := c.Fetch(context.Background(), req)
	if err != nil {
		log.Fatal(err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	fmt.Println(res.Status)
	fmt.Println(string(b))
}

func runServer(addr string) {
	s := &httpio.Server{
		Addr:       addr,
		EnableGzip: true,
		Handler: httpio.HandlerFunc(func(ctx context.Context, req *httpio.Request) (*httpio.ServerResponse, error) {
			b, err := io.ReadAll(&bodyReader{ctx: ctx, src: req.Body})
			if err != nil {
				return nil, err
			}
			hdr := httpio.NewHeader()
			hdr.Set("Content-Type", "text/plain; charset=utf-8")
			return &httpio.ServerResponse{
				StatusCode:    200,
				Header:        hdr,
				ContentLength: int64(len(b)),
				Body:          httpio.BytesBody(b),
			}, nil
		}),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		s.Quit()
	}()

	log.Printf("httpio-echo listening on %s", addr)
	if err := s.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}

// bodyReader adapts httpio.BodySource to io.Reader so the echo handler
// can use io.ReadAll instead of driving Next itself.
type bodyReader struct {
	ctx     context.Context
	src     httpio.BodySource
	pending []byte
}

func (r *bodyReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		chunk, err := r.src.Next(r.ctx)
		if len(chunk) > 0 {
			r.pending = chunk
		}
		if err != nil {
			if len(r.pending) > 0 {
				break
			}
			return 0, err
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}
