package protocol

import (
	"context"
	"net"
	"testing"
)

func TestTracker_CloseAll(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	var tr Tracker
	a, err := tr.DialContext(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	b, err := tr.DialContext(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if tr.Len() != 2 {
		t.Fatalf("tracking %d connections", tr.Len())
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if tr.Len() != 1 {
		t.Errorf("closed connection should be forgotten, tracking %d", tr.Len())
	}

	tr.CloseAll()
	if tr.Len() != 0 {
		t.Errorf("CloseAll left %d connections", tr.Len())
	}
	if _, err := a.Write([]byte("x")); err == nil {
		t.Error("write on an aborted connection should fail")
	}
}
