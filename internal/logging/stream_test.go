package logging

import (
	"sync"
	"testing"
)

func TestStreamHubDeliversCompletedLines(t *testing.T) {
	h := NewStreamHub(4)
	ch, cancel := h.Subscribe()
	defer cancel()

	// zap can split one encoded line across writes.
	h.Write([]byte(`{"level":"info",`))
	h.Write([]byte("\"msg\":\"hello\"}\n"))

	select {
	case line := <-ch:
		if string(line) != `{"level":"info","msg":"hello"}` {
			t.Errorf("Line = %q", line)
		}
	default:
		t.Fatal("No event published for completed line")
	}
}

func TestStreamHubDropsWhenSubscriberIsBehind(t *testing.T) {
	h := NewStreamHub(1)
	ch, cancel := h.Subscribe()
	defer cancel()

	// Buffer holds one event; the rest must drop without blocking.
	h.Write([]byte("first\nsecond\nthird\n"))

	if got := string(<-ch); got != "first" {
		t.Errorf("Buffered event = %q, want first", got)
	}
	select {
	case line := <-ch:
		t.Errorf("Unexpected second event %q", line)
	default:
	}
}

func TestStreamHubCancelIsIdempotent(t *testing.T) {
	h := NewStreamHub(1)
	_, cancel := h.Subscribe()
	cancel()
	cancel()
	h.Write([]byte("after cancel\n"))
}

// A subscriber disconnecting while the logger is mid-write must not
// panic; Write sends to a snapshot of the subscriber set taken before
// the unregister.
func TestStreamHubCancelDuringConcurrentWrites(t *testing.T) {
	h := NewStreamHub(1)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				h.Write([]byte("tick\n"))
			}
		}
	}()

	for i := 0; i < 20000; i++ {
		_, cancel := h.Subscribe()
		cancel()
	}
	close(done)
	wg.Wait()
}
