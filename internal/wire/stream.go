package wire

import (
	"io"

	"github.com/fleetrpc/fleetrpc/pkg/errors"
)

// ProgressSink is a bounded-capacity push target for attachment write
// progress. A direct callback invoked from the write loop risks a slow
// consumer stalling the sender; routing percentages through a channel lets
// the sender's loop keep moving as long as the channel has room; capacity
// defaults comfortably above the 100 distinct values a single attachment can
// ever produce; see spec §4.1 / §9 Design Notes.
type ProgressSink struct {
	ch chan int
}

// DefaultProgressCapacity comfortably holds every distinct percentage point
// (1..100) an attachment write can ever emit, so a consumer that drains
// promptly never causes the sender to block.
const DefaultProgressCapacity = 128

// NewProgressSink creates a ProgressSink with the given channel capacity.
// A capacity <= 0 uses DefaultProgressCapacity.
func NewProgressSink(capacity int) *ProgressSink {
	if capacity <= 0 {
		capacity = DefaultProgressCapacity
	}
	return &ProgressSink{ch: make(chan int, capacity)}
}

func (s *ProgressSink) push(percent int) {
	if s == nil {
		return
	}
	s.ch <- percent
}

// Chan exposes the percentage stream for consumers that want to range over
// it directly instead of using WatchProgress.
func (s *ProgressSink) Chan() <-chan int {
	return s.ch
}

func (s *ProgressSink) close() {
	if s != nil {
		close(s.ch)
	}
}

// ProgressFunc is a push-style percentage callback, called with values
// 1..100 in monotonically increasing order, ending with exactly 100 when the
// last byte of the attachment has been flushed (spec §4.1).
type ProgressFunc func(percent int)

// WatchProgress spawns a goroutine that drains sink and invokes fn for each
// percentage received, returning when the sink is closed (the attachment
// write has completed). It adapts the bounded-channel push contract back to
// a direct callback for callers that want one.
func WatchProgress(sink *ProgressSink, fn ProgressFunc) {
	if sink == nil || fn == nil {
		return
	}
	go func() {
		for p := range sink.ch {
			fn(p)
		}
	}()
}

// StreamReader lazily reads one attachment's raw bytes off the wire. It must
// be read to completion (io.EOF) before the Decoder will produce the next
// Frame — reading an attachment out of order, or skipping it, is a protocol
// error (spec §4.1).
type StreamReader struct {
	id        string
	length    int64
	remaining int64
	r         io.Reader
}

// ID returns the attachment's declared stream id.
func (s *StreamReader) ID() string { return s.id }

// Length returns the attachment's declared byte length.
func (s *StreamReader) Length() int64 { return s.length }

// Read implements io.Reader, returning io.EOF exactly at the declared length.
func (s *StreamReader) Read(p []byte) (int, error) {
	if s.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}
	n, err := s.r.Read(p)
	s.remaining -= int64(n)
	return n, err
}

// Exhausted reports whether the attachment has been fully read.
func (s *StreamReader) Exhausted() bool {
	return s.remaining <= 0
}

// Discard reads and throws away any unread bytes, for callers that received
// an attachment handle but have no use for its payload. This still counts as
// "consuming in order" — it is distinct from silently skipping the frame
// boundary, which is what spec §4.1 forbids.
func (s *StreamReader) Discard() error {
	if _, err := io.Copy(io.Discard, s); err != nil {
		return errors.NewProtocolViolationError("discarding stream attachment", err)
	}
	return nil
}
