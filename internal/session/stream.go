package session

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/yarkm13/skiff/internal/metrics"
	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/throttle"
)

const chunkSize = 32 * 1024

// StreamOptions controls one byte transfer.
type StreamOptions struct {
	// Offset resumes the transfer after that many bytes.
	Offset int64
	// Limiter caps the bandwidth; nil is unlimited.
	Limiter *throttle.Limiter
	// Progress is called after every chunk with the chunk length.
	Progress func(n int64)
}

// Download copies the remote file p into dst. It returns the number of
// bytes written to dst.
func (s *Session) Download(ctx context.Context, p *paths.Path, dst io.Writer, opts StreamOptions) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var written int64
	err := s.run(ctx, "download", p, func(ctx context.Context) error {
		r, start, err := s.driver.Open(ctx, p, opts.Offset)
		if err != nil {
			return err
		}
		defer r.Close()

		if skip := opts.Offset - start; skip > 0 {
			skipped, err := io.CopyN(io.Discard, r, skip)
			if skipped < skip {
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				return &ResumeError{Path: p.Absolute(), Expected: skip, Skipped: skipped}
			}
		}

		src := opts.Limiter.Reader(ctx, r)
		written, err = s.copy(ctx, dst, src, "download", opts.Progress)
		return err
	})
	return written, err
}

// Upload copies src into the remote file p, appending when opts.Offset is
// set. src must already be positioned at the offset.
func (s *Session) Upload(ctx context.Context, p *paths.Path, src io.Reader, opts StreamOptions) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cache.Invalidate(p.Parent())

	var written int64
	err := s.run(ctx, "upload", p, func(ctx context.Context) error {
		w, err := s.driver.Create(ctx, p, opts.Offset)
		if err != nil {
			return err
		}
		written, err = s.copy(ctx, w, opts.Limiter.Reader(ctx, src), "upload", opts.Progress)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		return err
	})
	return written, err
}

func (s *Session) copy(ctx context.Context, dst io.Writer, src io.Reader, direction string, progress func(int64)) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if s.interrupted.Load() {
			return total, ErrCanceled
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := dst.Write(buf[:n])
			total += int64(m)
			metrics.AddBytes(direction, int64(m))
			if progress != nil {
				progress(int64(m))
			}
			if werr != nil {
				return total, werr
			}
			if m < n {
				return total, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			s.logger.Debug(direction+" complete", zap.Int64("bytes", total))
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
