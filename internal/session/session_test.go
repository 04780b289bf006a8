package session_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/session"
	"github.com/yarkm13/skiff/internal/session/sessiontest"
)

func newSession(t *testing.T, d *sessiontest.Driver, opts session.Options) *session.Session {
	t.Helper()
	opts.Resolver = sessiontest.Resolver{}
	opts.TranscriptLength = 10
	host := &session.Host{Protocol: d.Protocol(), Hostname: "example.com", DefaultPath: ""}
	s := session.New(host, d, opts)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConnect_FiresEventsAndRecordsTranscript(t *testing.T) {
	d := sessiontest.New()
	d.Home = "/home/me"
	s := newSession(t, d, session.Options{})

	var events []session.ConnectionEvent
	s.Connection.Subscribe(func(e session.ConnectionEvent) {
		if e != session.ActivityStarted && e != session.ActivityStopped {
			events = append(events, e)
		}
	})
	var messages []string
	s.Progress.Subscribe(func(m string) { messages = append(messages, m) })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !s.IsConnected() {
		t.Fatal("expected connected session")
	}
	if s.Home() != "/home/me" || s.Workdir().Absolute() != "/home/me" {
		t.Errorf("unexpected home %q / workdir %q", s.Home(), s.Workdir())
	}
	if len(events) != 2 || events[0] != session.WillOpen || events[1] != session.DidOpen {
		t.Errorf("unexpected events %v", events)
	}
	if len(messages) == 0 || !strings.HasPrefix(messages[0], "Resolving example.com") {
		t.Errorf("first message should report resolution, got %v", messages)
	}
	lines := s.TranscriptLines()
	if len(lines) != 1 || lines[0] != "220 example.com ready" {
		t.Errorf("unexpected transcript %q", lines)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if events[len(events)-1] != session.DidClose {
		t.Errorf("close should fire did-close, got %v", events)
	}
}

func TestCheck(t *testing.T) {
	t.Run("connects when disconnected", func(t *testing.T) {
		d := sessiontest.New()
		s := newSession(t, d, session.Options{})
		if err := s.Check(context.Background()); err != nil {
			t.Fatal(err)
		}
		if d.Calls("dial") != 1 || d.Calls("noop") != 0 {
			t.Errorf("dial=%d noop=%d", d.Calls("dial"), d.Calls("noop"))
		}
	})

	t.Run("noop keeps connection", func(t *testing.T) {
		d := sessiontest.New()
		s := newSession(t, d, session.Options{})
		_ = s.Connect(context.Background())
		if err := s.Check(context.Background()); err != nil {
			t.Fatal(err)
		}
		if d.Calls("dial") != 1 || d.Calls("noop") != 1 {
			t.Errorf("dial=%d noop=%d", d.Calls("dial"), d.Calls("noop"))
		}
	})

	t.Run("failed noop reconnects once", func(t *testing.T) {
		d := sessiontest.New()
		fail := true
		d.Hook = func(op, _ string) error {
			if op == "noop" && fail {
				fail = false
				return errors.New("421 service not available")
			}
			return nil
		}
		s := newSession(t, d, session.Options{})
		_ = s.Connect(context.Background())
		if err := s.Check(context.Background()); err != nil {
			t.Fatalf("Check should recover, got %v", err)
		}
		if d.Calls("dial") != 2 || d.Calls("abort") != 1 {
			t.Errorf("dial=%d abort=%d", d.Calls("dial"), d.Calls("abort"))
		}
	})

	t.Run("residual failure is broadcast", func(t *testing.T) {
		d := sessiontest.New()
		s := newSession(t, d, session.Options{})
		_ = s.Connect(context.Background())
		d.Hook = func(op, _ string) error {
			if op == "noop" || op == "dial" {
				return errors.New("connection refused")
			}
			return nil
		}
		var failures []session.Failure
		s.Errors.Subscribe(func(f session.Failure) { failures = append(failures, f) })

		err := s.Check(context.Background())
		if !session.IsConnectionError(err) {
			t.Fatalf("expected connection error, got %v", err)
		}
		if len(failures) != 1 {
			t.Errorf("expected one broadcast failure, got %d", len(failures))
		}
		if d.Calls("dial") != 2 {
			t.Errorf("expected exactly one reconnect attempt, dial=%d", d.Calls("dial"))
		}
	})
}

func TestConnect_DialRetry(t *testing.T) {
	d := sessiontest.New()
	failures := 1
	d.Hook = func(op, _ string) error {
		if op == "dial" && failures > 0 {
			failures--
			return errors.New("connection reset")
		}
		return nil
	}
	s := newSession(t, d, session.Options{Retry: 1, RetryDelay: time.Millisecond})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if d.Calls("dial") != 2 {
		t.Errorf("expected 2 dials, got %d", d.Calls("dial"))
	}
}

func TestLogin(t *testing.T) {
	t.Run("prompts after rejection", func(t *testing.T) {
		d := sessiontest.New()
		d.Password = "secret"
		prompts := 0
		opts := session.Options{Login: session.LoginPromptFunc(func(_ context.Context, h *session.Host, reason string) (*session.Credentials, error) {
			prompts++
			if prompts == 1 {
				return &session.Credentials{Username: "me", Password: []byte("wrong")}, nil
			}
			return &session.Credentials{Username: "me", Password: []byte("secret")}, nil
		})}
		s := newSession(t, d, opts)
		if err := s.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		// anonymous attempt, then the wrong password, then the right one
		if prompts != 2 {
			t.Errorf("expected 2 prompts, got %d", prompts)
		}
		if d.Calls("login") != 3 {
			t.Errorf("expected 3 login attempts, got %d", d.Calls("login"))
		}
	})

	t.Run("declined prompt cancels login", func(t *testing.T) {
		d := sessiontest.New()
		d.Password = "secret"
		opts := session.Options{Login: session.LoginPromptFunc(func(context.Context, *session.Host, string) (*session.Credentials, error) {
			return nil, session.ErrLoginCanceled
		})}
		s := newSession(t, d, opts)
		s.Host.Credentials = &session.Credentials{Username: "me", Password: []byte("wrong")}

		var failures int
		s.Errors.Subscribe(func(session.Failure) { failures++ })

		err := s.Connect(context.Background())
		if !errors.Is(err, session.ErrLoginCanceled) {
			t.Fatalf("expected login canceled, got %v", err)
		}
		if s.IsConnected() {
			t.Error("session must be closed after a canceled login")
		}
		if failures != 0 {
			t.Error("login cancellation must not be broadcast as a failure")
		}
		if d.Calls("dial") != 1 {
			t.Error("login cancellation must not be retried")
		}
	})
}

func TestClose_WipesPassword(t *testing.T) {
	for _, remember := range []bool{false, true} {
		d := sessiontest.New()
		d.Password = "secret"
		s := newSession(t, d, session.Options{})
		password := []byte("secret")
		creds := &session.Credentials{Username: "me", Password: password, Remember: remember}
		s.Host.Credentials = creds
		if err := s.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}
		if remember {
			if string(creds.Password) != "secret" {
				t.Errorf("remembered password changed to %q", creds.Password)
			}
			continue
		}
		if creds.Password != nil || !bytes.Equal(password, make([]byte, len(password))) {
			t.Errorf("password not wiped: %q", password)
		}
	}
}

func TestMount(t *testing.T) {
	d := sessiontest.New()
	d.Home = "/home/me"
	d.AddDir("/home/me/docs")
	d.AddDir("/srv/www")
	s := newSession(t, d, session.Options{})
	ctx := context.Background()

	cases := []struct {
		dir  string
		want string
	}{
		{"/srv/www", "/srv/www"},
		{"~/docs", "/home/me/docs"},
		{"~", "/home/me"},
		{"/missing", "/home/me"},
	}
	for _, tc := range cases {
		t.Run(tc.dir, func(t *testing.T) {
			got, err := s.Mount(ctx, tc.dir)
			if err != nil {
				t.Fatal(err)
			}
			if got.Absolute() != tc.want {
				t.Errorf("Mount(%q) = %q, want %q", tc.dir, got, tc.want)
			}
		})
	}

	t.Run("relative to working directory", func(t *testing.T) {
		if _, err := s.Mount(ctx, "/srv"); err != nil {
			t.Fatal(err)
		}
		got, err := s.Mount(ctx, "www")
		if err != nil {
			t.Fatal(err)
		}
		if got.Absolute() != "/srv/www" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("default path", func(t *testing.T) {
		s.Host.DefaultPath = "/srv/www"
		got, err := s.Mount(ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		if got.Absolute() != "/srv/www" {
			t.Errorf("got %q", got)
		}
	})
}

func TestInterrupt_ReportsCancellation(t *testing.T) {
	d := sessiontest.New()
	d.AddFile("/big.bin", bytes.Repeat([]byte("x"), 10), time.Now())
	s := newSession(t, d, session.Options{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	d.Hook = func(op, _ string) error {
		if op == "open" {
			aborted := d.Aborted()
			close(started)
			<-aborted
			return errors.New("use of closed network connection")
		}
		return nil
	}
	var failures int
	s.Errors.Subscribe(func(session.Failure) { failures++ })

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = s.Download(context.Background(), paths.New("/big.bin", paths.FileType), &bytes.Buffer{}, session.StreamOptions{})
	}()
	<-started
	s.Interrupt()
	wg.Wait()

	if !session.IsCanceled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if failures != 0 {
		t.Error("a deliberate interrupt must not be broadcast as a failure")
	}
	if s.IsConnected() {
		t.Error("interrupt should close the transport")
	}
}

func TestEqual(t *testing.T) {
	a := session.New(&session.Host{Hostname: "Example.com"}, sessiontest.New(), session.Options{})
	b := session.New(&session.Host{Hostname: "example.com", Port: 2121}, sessiontest.New(), session.Options{})
	other := sessiontest.New()
	other.Name = "sftp"
	c := session.New(&session.Host{Hostname: "example.com"}, other, session.Options{})

	if !a.Equal(b) {
		t.Error("same hostname and protocol should be equal")
	}
	if a.Equal(c) {
		t.Error("different protocols should not be equal")
	}
}

func TestKeepAlive_FailureInterrupts(t *testing.T) {
	d := sessiontest.New()
	var mu sync.Mutex
	fail := false
	d.Hook = func(op, _ string) error {
		mu.Lock()
		defer mu.Unlock()
		if op == "noop" && fail {
			return errors.New("421 timeout")
		}
		return nil
	}
	s := newSession(t, d, session.Options{KeepAlive: true, KeepAliveInterval: 5 * time.Millisecond})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	fail = true
	mu.Unlock()

	select {
	case <-d.Aborted():
	case <-time.After(2 * time.Second):
		t.Fatal("keep-alive failure should interrupt the session")
	}
	if !s.IsInterrupted() {
		t.Error("session should be marked interrupted")
	}
}
