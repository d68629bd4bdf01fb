package audio

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

// fakeArecord writes a script that emits backlog bytes of silence on stdout
// and then idles, standing in for arecord waiting on a quiet device.
func fakeArecord(t *testing.T, backlog int) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "arecord")
	script := "#!/bin/sh\nhead -c " + strconv.Itoa(backlog) + " /dev/zero\nexec sleep 10\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to write fake arecord: %v", err)
	}
	return path
}

func TestArecordFlushDropsBacklog(t *testing.T) {
	f := Format{SampleRate: 8000, Channels: 1, PeriodFrames: 80, Periods: 4}
	ch, err := ArecordOpener{Path: fakeArecord(t, 4000)}.Open("hw:0", f)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ch.Close()

	flusher, ok := ch.(Flusher)
	if !ok {
		t.Fatalf("arecord channel does not implement Flusher")
	}

	// Let the backlog build up the way it does while waiting at the gate.
	time.Sleep(200 * time.Millisecond)

	n, err := flusher.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if n != 4000 {
		t.Errorf("Flush dropped %d bytes, want 4000", n)
	}

	// Nothing is left and the channel stays usable.
	if n, err := flusher.Flush(); err != nil || n != 0 {
		t.Errorf("second Flush = (%d, %v), want (0, nil)", n, err)
	}
}
