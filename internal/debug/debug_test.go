package debug

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func capture(t *testing.T, lvl int) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	Init(lvl)
	t.Cleanup(func() { Init(LevelOff) })
	return &buf
}

func TestLevelGating(t *testing.T) {
	buf := capture(t, LevelInfo)

	Info("device %s opened", "0")
	Verbose("hidden %d", 1)
	Trace("hidden trace")

	out := buf.String()
	if !strings.Contains(out, "device 0 opened") {
		t.Errorf("info message missing: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("verbose/trace messages should be gated at level 1: %q", out)
	}
}

func TestOffProducesNothing(t *testing.T) {
	buf := capture(t, LevelOff)
	Info("nothing")
	Error(errors.New("boom"))
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestBenchmarkFields(t *testing.T) {
	buf := capture(t, LevelLive)
	Benchmark("JPG", 12*time.Millisecond, 40*time.Millisecond, 52*time.Millisecond)
	out := buf.String()
	for _, want := range []string{"benchmark", "mode=JPG", "shutter=", "save="} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestLevelFollowsInit(t *testing.T) {
	buf := capture(t, LevelVerbose)
	if got := Level(); got != LevelVerbose {
		t.Errorf("Level() = %d, want %d", got, LevelVerbose)
	}
	Trace("hidden trace")
	Init(LevelTrace)
	Trace("visible trace")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "visible trace") {
		t.Errorf("trace gating did not follow Init: %q", out)
	}
}
