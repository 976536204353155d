package httpio

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestBody_NextDeliversInOrder(t *testing.T) {
	b := NewBody()
	go func() {
		if !b.ReceivedData([]byte("a")) {
			t.Error("first chunk should not be refused")
		}
	}()

	ctx := context.Background()
	chunk, err := b.Next(ctx)
	if err != nil || string(chunk) != "a" {
		t.Fatalf("chunk=%q err=%v", chunk, err)
	}
}

func TestBody_BackPressurePausesProducer(t *testing.T) {
	b := NewBody()
	if !b.ReceivedData([]byte("first")) {
		t.Fatal("first chunk should be accepted into the empty buffer")
	}
	if b.ReceivedData([]byte("second")) {
		t.Fatal("second chunk should be refused while the first is unconsumed")
	}

	resumed := make(chan struct{})
	go func() {
		if err := b.AwaitResume(context.Background()); err != nil {
			t.Error(err)
			return
		}
		close(resumed)
	}()

	ctx := context.Background()
	chunk, err := b.Next(ctx)
	if err != nil || string(chunk) != "first" {
		t.Fatalf("chunk=%q err=%v", chunk, err)
	}

	b.Resume()
	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("AwaitResume never observed Resume")
	}
}

func TestBody_CloseStatusDrainsBufferedBeforeEOF(t *testing.T) {
	b := NewBody()
	if !b.ReceivedData([]byte("last")) {
		t.Fatal("chunk should be accepted")
	}
	b.CloseStatus(0)

	ctx := context.Background()
	chunk, err := b.Next(ctx)
	if err != nil || string(chunk) != "last" {
		t.Fatalf("buffered chunk lost: chunk=%q err=%v", chunk, err)
	}
	if _, err := b.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after drain, got %v", err)
	}
}

func TestBody_CloseErrorSurfacesAfterDrain(t *testing.T) {
	b := NewBody()
	wantErr := errors.New("boom")
	if !b.ReceivedData([]byte("x")) {
		t.Fatal("chunk should be accepted")
	}
	b.CloseError(wantErr)

	ctx := context.Background()
	if chunk, err := b.Next(ctx); err != nil || string(chunk) != "x" {
		t.Fatalf("chunk=%q err=%v", chunk, err)
	}
	if _, err := b.Next(ctx); !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
}

func TestBody_ReadImplementsIoReader(t *testing.T) {
	b := NewBody()
	go func() {
		b.ReceivedData([]byte("hel"))
	}()
	first := make([]byte, 3)
	if _, err := io.ReadFull(b, first); err != nil {
		t.Fatalf("read first chunk: %v", err)
	}
	if string(first) != "hel" {
		t.Fatalf("first=%q", first)
	}

	go func() {
		b.ReceivedData([]byte("lo"))
		b.CloseStatus(0)
	}()
	rest, err := io.ReadAll(b)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if string(rest) != "lo" {
		t.Fatalf("rest=%q", rest)
	}
}

func TestBody_NextHonorsContextCancellation(t *testing.T) {
	b := NewBody()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
