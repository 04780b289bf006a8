// Package throttle limits the bandwidth of byte streams.
package throttle

import (
	"context"
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Unlimited disables throttling.
const Unlimited int64 = -1

// Limiter is a bytes-per-second token bucket shared by every stream
// wrapped with it.
type Limiter struct {
	lim atomic.Pointer[rate.Limiter]
}

// New returns a limiter for bytesPerSecond. Values <= 0 mean unlimited.
func New(bytesPerSecond int64) *Limiter {
	l := &Limiter{}
	l.SetRate(bytesPerSecond)
	return l
}

// Unlimited reports whether the limiter lets every byte through.
func (l *Limiter) Unlimited() bool { return l == nil || l.lim.Load() == nil }

// SetRate changes the ceiling for all wrapped streams.
func (l *Limiter) SetRate(bytesPerSecond int64) {
	if l == nil {
		return
	}
	if bytesPerSecond <= 0 {
		l.lim.Store(nil)
		return
	}
	if lim := l.lim.Load(); lim != nil {
		lim.SetLimit(rate.Limit(bytesPerSecond))
		lim.SetBurst(int(bytesPerSecond))
		return
	}
	l.lim.Store(rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond)))
}

func (l *Limiter) wait(ctx context.Context, n int) error {
	if l == nil || n <= 0 {
		return nil
	}
	lim := l.lim.Load()
	if lim == nil {
		return nil
	}
	burst := lim.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Reader wraps r so reads block to respect the limiter.
func (l *Limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if l.Unlimited() {
		return r
	}
	return &reader{ctx: ctx, r: r, l: l}
}

// Writer wraps w so writes block to respect the limiter.
func (l *Limiter) Writer(ctx context.Context, w io.Writer) io.Writer {
	if l.Unlimited() {
		return w
	}
	return &writer{ctx: ctx, w: w, l: l}
}

type reader struct {
	ctx context.Context
	r   io.Reader
	l   *Limiter
}

func (r *reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if werr := r.l.wait(r.ctx, n); werr != nil && err == nil {
		err = werr
	}
	return n, err
}

type writer struct {
	ctx context.Context
	w   io.Writer
	l   *Limiter
}

func (w *writer) Write(p []byte) (int, error) {
	if err := w.l.wait(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}
