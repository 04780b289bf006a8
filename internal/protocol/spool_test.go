package protocol

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSpool(t *testing.T) {
	var got string
	var gotSize int64
	w, err := Spool(strings.NewReader("head-"), func(body io.ReadSeeker, size int64) error {
		b, err := io.ReadAll(body)
		got, gotSize = string(b), size
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, "tail"); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if got != "head-tail" || gotSize != 9 {
		t.Errorf("got %q size %d", got, gotSize)
	}
	if err := w.Close(); err != nil {
		t.Error("second Close should be a no-op")
	}
}

func TestSpool_SendError(t *testing.T) {
	boom := errors.New("boom")
	w, err := Spool(nil, func(io.ReadSeeker, int64) error { return boom })
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); !errors.Is(err, boom) {
		t.Errorf("expected send error, got %v", err)
	}
}
