// Package render defines the consumer side of a decoded video stream: the
// opaque render target contract, the shared rendering context, and the
// VideoSinkRouter indirection between a transport and its target.
package render

import (
	"sync"
	"time"
)

// Frame is one decoded video frame. Data is owned by the producer; consumers
// that keep a frame past the callback must copy it with Clone.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	cp := f
	cp.Data = append([]byte(nil), f.Data...)
	return cp
}

func (f Frame) IsZero() bool {
	return f.Data == nil && f.Timestamp.IsZero()
}

// Target is an opaque render surface. Init is called once with the session's
// shared Context before any frames are rendered; Release must be safe to call
// more than once.
type Target interface {
	Init(ctx *Context) error
	Render(f Frame)
	Release()
}

// Context models the single shared GPU/rendering resource backing all render
// targets. It is acquired once per session and released once at session
// teardown, never per slot.
type Context struct {
	mu       sync.Mutex
	released bool
}

func NewContext() *Context {
	return &Context{}
}

// Release tears down the shared resource. Idempotent.
func (c *Context) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
}

// Active reports whether the context is still usable.
func (c *Context) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.released
}
