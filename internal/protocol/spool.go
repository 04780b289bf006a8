// Package protocol holds helpers shared by the wire protocol drivers.
package protocol

import (
	"fmt"
	"io"
	"os"
)

// SendFunc uploads a spooled body of the given size.
type SendFunc func(body io.ReadSeeker, size int64) error

// Spool buffers writes in a temporary file and hands the complete body to
// send on Close. Protocols that need the content length up front, or that
// cannot append, write through it. prefix, when set, is copied in first.
func Spool(prefix io.Reader, send SendFunc) (io.WriteCloser, error) {
	f, err := os.CreateTemp("", "skiff-spool-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	if prefix != nil {
		if _, err := io.Copy(f, prefix); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, fmt.Errorf("spool existing content: %w", err)
		}
	}
	return &spool{f: f, send: send}, nil
}

type spool struct {
	f    *os.File
	send SendFunc
	done bool
}

func (s *spool) Write(p []byte) (int, error) { return s.f.Write(p) }

func (s *spool) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	defer os.Remove(s.f.Name())
	defer s.f.Close()

	size, err := s.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("spool size: %w", err)
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind spool: %w", err)
	}
	return s.send(s.f, size)
}
