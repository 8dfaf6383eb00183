package logging

import (
	"bytes"
	"sync"
)

// StreamHub fans completed log lines out to live subscribers. It
// implements io.Writer so it can sit behind a zapcore.WriteSyncer.
// Slow subscribers drop events rather than blocking the logger.
type StreamHub struct {
	mu      sync.RWMutex
	subs    map[chan []byte]struct{}
	bufSize int
	partial bytes.Buffer
}

// NewStreamHub creates a hub whose subscriber channels buffer bufSize
// events.
func NewStreamHub(bufSize int) *StreamHub {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &StreamHub{
		subs:    make(map[chan []byte]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe registers a new consumer. The returned cancel function must
// be called to release the channel. The channel is never closed: Write
// sends outside the lock and may still hold a snapshot of it, so cancel
// only unregisters and leaves the buffer to the collector.
func (h *StreamHub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, h.bufSize)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// Write accepts encoder output. zap may hand over partial lines; events
// are published per completed newline-terminated JSON line.
func (h *StreamHub) Write(p []byte) (int, error) {
	h.mu.Lock()
	h.partial.Write(p)
	var lines [][]byte
	for {
		raw := h.partial.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, raw[:idx])
		h.partial.Next(idx + 1)
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	subs := make([]chan []byte, 0, len(h.subs))
	for ch := range h.subs {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	for _, line := range lines {
		for _, ch := range subs {
			select {
			case ch <- line:
			default:
				// Subscriber is behind; drop rather than block logging.
			}
		}
	}
	return len(p), nil
}

// Sync implements zapcore.WriteSyncer.
func (h *StreamHub) Sync() error { return nil }
