package httpio_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"dqx0.com/go/httpio"
	"dqx0.com/go/httpio/internal/obs"
)

func TestClient_FetchContextCanceledBeforeConnect(t *testing.T) {
	c := &httpio.Client{}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req, err := httpio.NewRequest(ctx, "GET", "http://127.0.0.1:1/", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if _, err := c.Fetch(ctx, req); !errors.Is(err, httpio.ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
}

func TestClient_FetchDialFailureWrapsTransportError(t *testing.T) {
	c := &httpio.Client{DialTimeout: 200 * time.Millisecond}
	defer c.Close()

	req, err := httpio.NewRequest(context.Background(), "GET", "http://127.0.0.1:1/", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	_, err = c.Fetch(context.Background(), req)
	if err == nil {
		t.Fatal("expected a dial failure")
	}
	var terr *httpio.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
}

func TestClient_FetchRecordsErrorOutcomeMetric(t *testing.T) {
	meter := &obs.CountingMeter{}
	c := &httpio.Client{DialTimeout: 200 * time.Millisecond, Meter: meter}
	defer c.Close()

	req, err := httpio.NewRequest(context.Background(), "GET", "http://127.0.0.1:1/", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if _, err := c.Fetch(context.Background(), req); err == nil {
		t.Fatal("expected a dial failure")
	}

	counters := meter.Counters()
	if len(counters) != 1 {
		t.Fatalf("expected exactly one counter observation, got %d", len(counters))
	}
	if counters[0].Name != "httpio_client_fetch_total" {
		t.Fatalf("counter name=%q", counters[0].Name)
	}
	found := false
	for _, l := range counters[0].Labels {
		if l.Key == "outcome" && l.Value == "error" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an outcome=error label, got %+v", counters[0].Labels)
	}
	if len(meter.Histograms()) != 1 {
		t.Fatalf("expected exactly one histogram observation, got %d", len(meter.Histograms()))
	}
}
