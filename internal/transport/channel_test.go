package transport

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriteLineFlushesImmediately(t *testing.T) {
	var out bytes.Buffer
	ch := NewChannel(&out, strings.NewReader(""), testLogger())
	defer ch.Close()

	if err := ch.WriteLine(`{"jsonrpc":"2.0","id":1}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := out.String(); got != `{"jsonrpc":"2.0","id":1}`+"\n" {
		t.Errorf("written = %q, want line with trailing newline", got)
	}
}

func TestWriteLineOnNilWriter(t *testing.T) {
	ch := NewChannel(nil, strings.NewReader(""), testLogger())
	defer ch.Close()

	if err := ch.WriteLine("x"); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("error = %v, want ErrChannelClosed", err)
	}
}

func TestWriteLineAfterClose(t *testing.T) {
	var out bytes.Buffer
	ch := NewChannel(&out, strings.NewReader(""), testLogger())
	ch.Close()

	if err := ch.WriteLine("x"); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("error = %v, want ErrChannelClosed", err)
	}
}

func TestReadLineDeliversLinesInOrder(t *testing.T) {
	ch := NewChannel(io.Discard, strings.NewReader("first\nsecond\n"), testLogger())
	defer ch.Close()

	for _, want := range []string{"first", "second"} {
		got, err := ch.ReadLine(time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Errorf("line = %q, want %q", got, want)
		}
	}
}

func TestReadLineTimeout(t *testing.T) {
	// A reader that never produces data and never closes.
	pr, pw := io.Pipe()
	defer pw.Close()
	ch := NewChannel(io.Discard, pr, testLogger())
	defer ch.Close()

	start := time.Now()
	_, err := ch.ReadLine(50 * time.Millisecond)
	if !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("error = %v, want ErrReadTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("ReadLine blocked %v past its deadline", elapsed)
	}
}

func TestReadLineOnClosedStream(t *testing.T) {
	ch := NewChannel(io.Discard, strings.NewReader("last\n"), testLogger())
	defer ch.Close()

	// Buffered line is still delivered after EOF.
	got, err := ch.ReadLine(time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "last" {
		t.Errorf("line = %q, want %q", got, "last")
	}

	// Then the closed stream surfaces as ErrChannelClosed, not a hang.
	if _, err := ch.ReadLine(time.Second); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("error = %v, want ErrChannelClosed", err)
	}
}

func TestReadLineAfterClose(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ch := NewChannel(io.Discard, pr, testLogger())
	ch.Close()

	if _, err := ch.ReadLine(time.Second); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("error = %v, want ErrChannelClosed", err)
	}
}
