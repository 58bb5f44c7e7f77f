package loop

import (
	"bufio"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
)

// TestRunDispatchesCommandsAndExitsOnExitCommand exercises the real poll(2)
// loop end to end: a line written to the read end of a pipe should produce
// a response, and "exit" should make Run return.
func TestRunDispatchesCommandsAndExitsOnExitCommand(t *testing.T) {
	inR, inW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}

	fs := newFakeStore()
	l, err := New(fs, inR, outW, Config{MergeInterval: time.Hour, MergeEnabled: false}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	if _, err := inW.Write([]byte("insert k v\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reader := bufio.NewReader(outR)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if line != "ok\n" {
		t.Errorf("got %q, want %q", line, "ok\n")
	}

	if _, err := inW.Write([]byte("exit\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after exit command")
	}

	_ = inW.Close()
	_ = outW.Close()
}

// TestRunFiresMergeOnTimer exercises the merge-tick path: with a very short
// merge interval and no input, Run should invoke Store.Merge() on its own.
func TestRunFiresMergeOnTimer(t *testing.T) {
	inR, inW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}

	fs := newFakeStore()
	l, err := New(fs, inR, outW, Config{MergeInterval: 20 * time.Millisecond, MergeEnabled: true}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	deadline := time.Now().Add(2 * time.Second)
	for fs.mergeHits == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fs.mergeHits == 0 {
		t.Fatal("expected at least one merge tick to fire")
	}

	l.wake()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after wake")
	}

	_ = inW.Close()
	_ = outW.Close()
	_ = outR.Close()
}
