package safego

import (
	"sync/atomic"
	"testing"
	"time"
)

// TestGoRecovers ensures a panic inside Go does not crash the process and
// that subsequent goroutines still run.
func TestGoRecovers(t *testing.T) {
	var got int32

	Go(func() {
		panic("test-panic")
	})

	Go(func() {
		atomic.StoreInt32(&got, 1)
	})

	start := time.Now()
	for time.Since(start) < time.Second {
		if atomic.LoadInt32(&got) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected follow-up goroutine to run after recovered panic")
}
