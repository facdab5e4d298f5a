package common

import (
	"context"
	"testing"
	"time"
)

func TestPageTokenRoundTrip(t *testing.T) {
	state := []byte{0x00, 0xff, 0x10, 0x7f}
	token := EncodePageToken(state)
	got, err := DecodePageToken(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got) != string(state) {
		t.Fatalf("round trip mismatch: %v != %v", got, state)
	}

	if EncodePageToken(nil) != "" {
		t.Fatalf("empty state must encode to empty token")
	}
	if got, err := DecodePageToken(""); err != nil || got != nil {
		t.Fatalf("empty token must decode to nil, got %v %v", got, err)
	}
	if _, err := DecodePageToken("%%%"); err == nil {
		t.Fatalf("expected error for malformed token")
	}
}

func TestSystemClockSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (SystemClock{}).Sleep(ctx, time.Hour); err == nil {
		t.Fatalf("expected cancelled sleep to return an error")
	}
	if err := (SystemClock{}).Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep: %v", err)
	}
}
