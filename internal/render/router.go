package render

import (
	"sync"

	"go.uber.org/zap"
)

// Router is a mutable indirection between one transport's video stream and a
// render target. It supports live retargeting without dropping in-flight
// frames: the most recent frame is cached whether or not a target is bound,
// and replayed on retarget so the new surface never starts blank.
//
// A target may be bound to at most one router at a time; callers must detach
// a surface from its previous router before handing it to another one.
type Router struct {
	mu       sync.Mutex
	target   Target
	cached   Frame
	hasFrame bool
	pending  []func(Frame) // one-shot frame requests
	released bool
	logger   *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{logger: logger}
}

// Retarget binds the router to a new target. Binding the current target is a
// no-op. The previous target, if any, is released before the new one is
// bound, and the cached frame is replayed into the new target immediately.
// A nil newTarget detaches the current target but keeps the frame cache.
func (r *Router) Retarget(newTarget Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released || newTarget == r.target {
		return
	}
	if r.target != nil {
		r.target.Release()
	}
	r.target = newTarget
	if newTarget != nil && r.hasFrame {
		newTarget.Render(r.cached)
	}
}

// DeliverFrame caches the frame and forwards it to the bound target, if any.
// Caching happens regardless of binding so a later Retarget can show the last
// frame without waiting for the next one.
func (r *Router) DeliverFrame(f Frame) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.cached = f
	r.hasFrame = true
	target := r.target
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	if target != nil {
		target.Render(f)
	}
	for _, fn := range pending {
		fn(f.Clone())
	}
}

// RequestFrame asks for one decoded frame. If a frame is cached it is
// delivered synchronously; otherwise fn runs once on the next DeliverFrame.
// Returns false if the router has been released.
func (r *Router) RequestFrame(fn func(Frame)) bool {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return false
	}
	if r.hasFrame {
		f := r.cached.Clone()
		r.mu.Unlock()
		fn(f)
		return true
	}
	r.pending = append(r.pending, fn)
	r.mu.Unlock()
	return true
}

// Bound reports whether a target is currently attached.
func (r *Router) Bound() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target != nil && !r.released
}

// Release clears the cached frame and the target reference. Idempotent.
func (r *Router) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	target := r.target
	r.target = nil
	r.cached = Frame{}
	r.hasFrame = false
	r.pending = nil
	r.mu.Unlock()

	if target != nil {
		target.Release()
	}
}
