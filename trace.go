package udpfetch

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/armon/circbuf"
)

// traceRecorder keeps the most recent segment events in a fixed-size ring so
// a fatal failure can be reported with the exchange that led to it.
// A nil *traceRecorder records nothing.
type traceRecorder struct {
	buf *circbuf.Buffer
}

// newTraceRecorder returns a recorder holding size bytes, or nil when size
// is not positive.
func newTraceRecorder(size int64) *traceRecorder {
	if size <= 0 {
		return nil
	}
	buf, err := circbuf.NewBuffer(size)
	if err != nil {
		return nil
	}
	return &traceRecorder{buf: buf}
}

// segment records a sent ("TX") or received ("RX") segment.
func (t *traceRecorder) segment(dir string, peer netip.AddrPort, seg *Segment, valid bool) {
	if t == nil {
		return
	}
	fmt.Fprintf(t.buf, "%s %s %s flags=%s seq=%d ack=%d len=%d valid=%t\n",
		time.Now().Format("15:04:05.000"), dir, peer, seg.Flags, seg.Sequence, seg.Ack, len(seg.Payload), valid)
}

// event records a free-form line such as a timeout.
func (t *traceRecorder) event(format string, args ...any) {
	if t == nil {
		return
	}
	fmt.Fprintf(t.buf, "%s -- %s\n", time.Now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
}

// String returns the retained trace, oldest first. Once the ring has wrapped
// the first line may be truncated.
func (t *traceRecorder) String() string {
	if t == nil {
		return ""
	}
	return t.buf.String()
}

// written reports how many bytes were ever recorded.
func (t *traceRecorder) written() int64 {
	if t == nil {
		return 0
	}
	return t.buf.TotalWritten()
}
