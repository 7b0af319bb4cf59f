// Package buffer implements the byte queues that sit between a device
// connection and the script engine. One buffer holds bytes headed out to the
// device, the other accumulates the device's replies until a script EXPECT
// can consume them.
package buffer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sjthespian/powerman/pkg/util"
)

// MaxBuf is the default capacity of a device buffer.
const MaxBuf = 64000

// TelemetryFunc observes every chunk appended to or consumed from a buffer.
type TelemetryFunc func(chunk []byte)

// Buffer is a fixed-capacity in-memory byte queue.
type Buffer struct {
	buf  []byte
	max  int
	hook TelemetryFunc
}

// New creates a buffer with the given capacity. A zero or negative max
// selects MaxBuf. hook may be nil.
func New(max int, hook TelemetryFunc) *Buffer {
	if max <= 0 {
		max = MaxBuf
	}
	return &Buffer{max: max, hook: hook}
}

// AppendFormat formats and enqueues a command line. The format holds at most
// one %s slot; it is substituted only when a target argument is supplied.
func (b *Buffer) AppendFormat(format string, target ...string) error {
	s := format
	if len(target) > 0 && strings.Contains(format, "%s") {
		s = fmt.Sprintf(format, target[0])
	}
	return b.Append([]byte(s))
}

// Append enqueues raw bytes, observing the capacity limit.
func (b *Buffer) Append(p []byte) error {
	if len(b.buf)+len(p) > b.max {
		return util.ErrBufferFull
	}
	b.buf = append(b.buf, p...)
	if b.hook != nil {
		b.hook(p)
	}
	return nil
}

// TryConsume removes and returns the buffered prefix ending at the first
// match of re. Partial matches never remove bytes: either the whole prefix
// through the match is consumed, or the buffer is left intact.
func (b *Buffer) TryConsume(re *regexp.Regexp) (string, bool) {
	loc := re.FindIndex(b.buf)
	if loc == nil {
		return "", false
	}
	n := loc[1]
	chunk := make([]byte, n)
	copy(chunk, b.buf[:n])
	b.buf = b.buf[:copy(b.buf, b.buf[n:])]
	if b.hook != nil {
		b.hook(chunk)
	}
	return string(chunk), true
}

// Peek returns up to n buffered bytes without consuming them.
func (b *Buffer) Peek(n int) []byte {
	if n > len(b.buf) {
		n = len(b.buf)
	}
	out := make([]byte, n)
	copy(out, b.buf[:n])
	return out
}

// Next returns up to n buffered bytes for writing to the socket. The caller
// reports how many were actually written via Drop.
func (b *Buffer) Next(n int) []byte {
	if n > len(b.buf) {
		n = len(b.buf)
	}
	return b.buf[:n]
}

// Drop discards the first n buffered bytes (bytes successfully written).
func (b *Buffer) Drop(n int) {
	if n > len(b.buf) {
		n = len(b.buf)
	}
	b.buf = b.buf[:copy(b.buf, b.buf[n:])]
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.buf = b.buf[:0]
}

// IsEmpty reports whether the buffer holds no bytes.
func (b *Buffer) IsEmpty() bool {
	return len(b.buf) == 0
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.buf)
}
