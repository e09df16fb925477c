package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/scribelive/server/domain/entities"
)

// fakeTranscoder writes a shell script standing in for ffmpeg. It echoes a
// fixed payload on success so tests never depend on a real binary.
func fakeTranscoder(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("writing fake transcoder: %v", err)
	}
	return path
}

func testConfig(command string) Config {
	config := DefaultConfig()
	config.Command = command
	config.MaxProcesses = 2
	config.StageTimeout = 2 * time.Second
	return config
}

func TestConvertSuccess(t *testing.T) {
	cmd := fakeTranscoder(t, "cat >/dev/null\nprintf RIFFWAVEDATA\n")
	p := NewPool(testConfig(cmd), zap.NewNop())
	defer p.Close()

	out, err := p.Convert(context.Background(), []byte("chunk"), entities.FormatWebM)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if string(out) != "RIFFWAVEDATA" {
		t.Errorf("Unexpected output %q", out)
	}
}

func TestConvertAggregatesStageErrors(t *testing.T) {
	cmd := fakeTranscoder(t, "cat >/dev/null\necho 'bad container' >&2\nexit 1\n")
	p := NewPool(testConfig(cmd), zap.NewNop())
	defer p.Close()

	_, err := p.Convert(context.Background(), []byte{0x1a, 0x45, 0xdf, 0xa3, 0xaa, 0xbb}, entities.FormatWebM)
	if err == nil {
		t.Fatal("Expected aggregated error after all stages fail")
	}

	msg := err.Error()
	if !strings.Contains(msg, "detected=webm") {
		t.Errorf("Diagnostic should name the detected format: %s", msg)
	}
	if !strings.Contains(msg, "1a45dfa3") {
		t.Errorf("Diagnostic should include the header hex dump: %s", msg)
	}
	if !strings.Contains(msg, "bad container") {
		t.Errorf("Diagnostic should carry per-stage errors: %s", msg)
	}
	// Every rung of the webm ladder must have been attempted.
	if !strings.Contains(msg, "[auto:") {
		t.Errorf("Diagnostic should record the auto-detect stage: %s", msg)
	}
}

func TestConvertPoolExhaustion(t *testing.T) {
	cmd := fakeTranscoder(t, "cat >/dev/null\nsleep 1\nprintf RIFF\n")
	p := NewPool(testConfig(cmd), zap.NewNop())
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Convert(context.Background(), []byte("chunk"), entities.FormatWAV)
		}()
	}

	// Give the two holders time to claim their slots.
	time.Sleep(100 * time.Millisecond)

	_, err := p.Convert(context.Background(), []byte("chunk"), entities.FormatWAV)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Expected ErrPoolExhausted, got %v", err)
	}

	wg.Wait()
}

func TestConvertStageTimeout(t *testing.T) {
	cmd := fakeTranscoder(t, "cat >/dev/null\nsleep 5\n")
	config := testConfig(cmd)
	config.StageTimeout = 100 * time.Millisecond
	p := NewPool(config, zap.NewNop())
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := p.Convert(ctx, []byte("chunk"), entities.FormatWAV)
	if err == nil {
		t.Fatal("Expected failure when every stage times out")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("Expected timeout in diagnostic, got: %v", err)
	}
}

func TestLadderOrdering(t *testing.T) {
	p := NewPool(testConfig("ffmpeg"), zap.NewNop())
	defer p.Close()

	ladder := p.ladder(entities.FormatFragmentedMP4)
	if len(ladder) < 3 {
		t.Fatalf("fmp4 ladder too short: %v", ladder)
	}
	// Fragmented MP4 falls back to plain MP4 before auto-detect.
	if ladder[0] != "mp4" {
		t.Errorf("First fmp4 stage should be mp4, got %q", ladder[0])
	}
	if ladder[2] != "" {
		t.Errorf("Third fmp4 stage should be auto-detect, got %q", ladder[2])
	}

	unknown := p.ladder(entities.FormatUnknown)
	if unknown[0] != "" {
		t.Errorf("Unknown format should start with auto-detect, got %q", unknown[0])
	}
}

func TestSweepEvictsIdleSlots(t *testing.T) {
	cmd := fakeTranscoder(t, "cat >/dev/null\nprintf RIFF\n")
	config := testConfig(cmd)
	config.MaxIdleAge = time.Nanosecond
	p := NewPool(config, zap.NewNop())
	defer p.Close()

	if _, err := p.Convert(context.Background(), []byte("chunk"), entities.FormatWAV); err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	p.sweep()

	p.mu.Lock()
	remaining := len(p.slots)
	p.mu.Unlock()
	if remaining != 0 {
		t.Errorf("Expected idle slot evicted, %d remain", remaining)
	}

	// Capacity is unaffected by eviction.
	if _, err := p.Convert(context.Background(), []byte("chunk"), entities.FormatWAV); err != nil {
		t.Errorf("Convert after sweep failed: %v", err)
	}
}
