package audio

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	var out []byte
	timeout := time.After(3 * time.Second)
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, b...)
		case <-timeout:
			t.Fatal("timed out draining source")
		}
	}
}

func TestFileSourceStripsWAVHeader(t *testing.T) {
	header := make([]byte, 44)
	copy(header, "RIFF")
	copy(header[8:], "WAVE")
	pcm := bytes.Repeat([]byte{7}, 5000)

	path := filepath.Join(t.TempDir(), "hello.wav")
	if err := os.WriteFile(path, append(header, pcm...), 0o644); err != nil {
		t.Fatal(err)
	}

	ch, err := FileSource{Path: path, BytesPerSecond: 1 << 20}.Stream(context.Background())
	if err != nil {
		t.Fatalf("Stream err: %v", err)
	}
	if got := collect(t, ch); !bytes.Equal(got, pcm) {
		t.Fatalf("got %d bytes, want %d", len(got), len(pcm))
	}
}

func TestFileSourceMissingFile(t *testing.T) {
	if _, err := (FileSource{Path: filepath.Join(t.TempDir(), "nope.pcm")}).Stream(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestCommandSourceReadsStdout(t *testing.T) {
	ch, err := CommandSource{Command: []string{"printf", "abc"}}.Stream(context.Background())
	if err != nil {
		t.Skipf("printf not available: %v", err)
	}
	if got := string(collect(t, ch)); got != "abc" {
		t.Fatalf("got %q", got)
	}
}

func TestRelayForwardsToActiveStream(t *testing.T) {
	r := NewRelay(nil)
	if r.Write([]byte{1}) {
		t.Fatal("write without reader should be dropped")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := r.Stream(ctx)
	if !r.Active() {
		t.Fatal("relay should be active")
	}
	r.Write([]byte{1, 2})
	r.Write([]byte{3})
	r.Finish()

	if got := collect(t, ch); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("got %v", got)
	}
	if r.Active() {
		t.Fatal("relay should be idle after Finish")
	}
}

func TestRelayNewStreamReplacesOld(t *testing.T) {
	r := NewRelay(nil)
	ctx := context.Background()
	first, _ := r.Stream(ctx)
	second, _ := r.Stream(ctx)

	if _, ok := <-first; ok {
		t.Fatal("first stream should be closed")
	}
	r.Write([]byte{9})
	r.Finish()
	if got := collect(t, second); !bytes.Equal(got, []byte{9}) {
		t.Fatalf("got %v", got)
	}
}

func TestRelayClosesOnContextEnd(t *testing.T) {
	r := NewRelay(nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := r.Stream(ctx)
	cancel()
	collect(t, ch)
}
