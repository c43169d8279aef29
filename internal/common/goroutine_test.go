package common

import (
	"testing"
	"time"

	"github.com/ternarybob/arbor"
)

func TestSafeGoRecoversPanic(t *testing.T) {
	InstallCrashHandler(t.TempDir())

	ran := make(chan struct{})
	SafeGo(arbor.NewLogger(), "panicking", func() {
		defer close(ran)
		panic("boom")
	})

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("goroutine never ran")
	}

	// The process survived; a subsequent goroutine still works.
	done := make(chan struct{})
	SafeGo(arbor.NewLogger(), "after", func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine after recovery never ran")
	}
}
