// Package session wraps a protocol Driver with connection management,
// a listing cache and the event buses the transfer engine listens on.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yarkm13/skiff/internal/cache"
	"github.com/yarkm13/skiff/internal/config"
	"github.com/yarkm13/skiff/internal/event"
	"github.com/yarkm13/skiff/internal/logging"
	"github.com/yarkm13/skiff/internal/metrics"
	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/retry"
)

// HomeMarker prefixes mount paths that are relative to the login directory.
const HomeMarker = "~"

// Resolver looks up a hostname; *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Options configures a Session.
type Options struct {
	Timeout           time.Duration
	Retry             int
	RetryDelay        time.Duration
	KeepAlive         bool
	KeepAliveInterval time.Duration
	TranscriptLength  int

	Login    LoginPrompt
	Resolver Resolver
}

// OptionsFrom copies the connection settings out of cfg.
func OptionsFrom(cfg config.Config) Options {
	return Options{
		Timeout:           cfg.ConnectTimeout,
		Retry:             cfg.Retry,
		RetryDelay:        cfg.RetryDelay,
		KeepAlive:         cfg.KeepAlive,
		KeepAliveInterval: cfg.KeepAliveInterval,
		TranscriptLength:  cfg.TranscriptLength,
	}
}

// Session is one logical connection to a remote host.
type Session struct {
	Host *Host

	Connection event.Bus[ConnectionEvent]
	Progress   event.Bus[string]
	Transcript event.Bus[string]
	Errors     event.Bus[Failure]

	driver Driver
	opts   Options
	cache  *cache.Cache
	tx     *transcript
	logger *zap.Logger

	// mu serializes driver calls. Unexported methods expect it held.
	mu   sync.Mutex
	home string
	cwd  string

	interrupted atomic.Bool
	cancelMu    sync.Mutex
	cancel      context.CancelFunc

	keepAliveStop chan struct{}
}

// New creates a disconnected session for host.
func New(host *Host, driver Driver, opts Options) *Session {
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	s := &Session{
		Host:   host,
		driver: driver,
		opts:   opts,
		cache:  cache.New(),
		logger: logging.L().With(
			zap.String("host", host.Hostname),
			zap.String("protocol", driver.Protocol()),
		),
	}
	s.tx = &transcript{s: s, limit: opts.TranscriptLength}
	return s
}

// Protocol returns the driver's protocol identifier.
func (s *Session) Protocol() string { return s.driver.Protocol() }

// Cache returns the listing cache owned by the session.
func (s *Session) Cache() *cache.Cache { return s.cache }

// IsConnected reports whether the transport is open.
func (s *Session) IsConnected() bool { return s.driver.Connected() }

// IsInterrupted reports whether Interrupt was called since the last connect.
func (s *Session) IsInterrupted() bool { return s.interrupted.Load() }

// Equal reports whether both sessions talk to the same host over the same
// protocol.
func (s *Session) Equal(other *Session) bool {
	if s == nil || other == nil {
		return s == other
	}
	return strings.EqualFold(s.Host.Hostname, other.Host.Hostname) &&
		s.Protocol() == other.Protocol()
}

// Home returns the directory the server placed the session in at login.
func (s *Session) Home() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.home
}

// Workdir returns the current working directory.
func (s *Session) Workdir() *paths.Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paths.New(s.cwd, paths.DirectoryType)
}

// Message publishes a progress message.
func (s *Session) Message(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Info(msg)
	s.Progress.Publish(msg)
}

func (s *Session) fire(e ConnectionEvent) {
	s.logger.Debug("connection event", zap.Stringer("event", e))
	if e != ActivityStarted && e != ActivityStopped {
		metrics.RecordConnectionEvent(s.Protocol(), e.String())
	}
	s.Connection.Publish(e)
}

// Connect opens the connection if it is not open yet.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report(nil, s.connect(ctx))
}

// Check makes sure the connection is alive. A connected session is pinged
// with a no-op; if that fails the transport is torn down and one
// reconnect is attempted.
func (s *Session) Check(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fire(ActivityStarted)
	defer s.fire(ActivityStopped)
	return s.report(nil, s.check(ctx))
}

func (s *Session) check(ctx context.Context) error {
	if !s.driver.Connected() {
		return s.connect(ctx)
	}
	err := s.driver.Noop(ctx)
	if err == nil {
		return nil
	}
	if s.interrupted.Load() {
		// the socket was closed under us on purpose
		return ErrCanceled
	}
	s.logger.Warn("no-op failed, reconnecting", zap.Error(err))
	s.driver.Abort()
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	if s.driver.Connected() {
		return nil
	}
	s.interrupted.Store(false)

	ctx, done := s.operationContext(ctx)
	defer done()

	s.fire(WillOpen)
	s.Message("Resolving %s", s.Host.Hostname)
	if _, err := s.opts.Resolver.LookupHost(ctx, s.Host.Hostname); err != nil {
		if s.interrupted.Load() || IsCanceled(err) {
			return ErrCanceled
		}
		return &ConnectionError{Host: s.Host.Hostname, Err: err}
	}

	s.Message("Opening %s connection to %s", strings.ToUpper(s.Protocol()), s.Host.Hostname)
	policy := retry.Policy{Retries: s.opts.Retry, Delay: s.opts.RetryDelay}
	err := retry.Do(ctx, policy, func(attempt int) error {
		if attempt > 0 {
			s.Message("Retrying connection to %s (%d/%d)", s.Host.Hostname, attempt, s.opts.Retry)
		}
		dctx := ctx
		if s.opts.Timeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
			defer cancel()
		}
		err := s.driver.Dial(dctx, s.Host, s.tx)
		if err != nil && (s.interrupted.Load() || errors.Is(err, context.Canceled)) {
			return retry.Permanent(ErrCanceled)
		}
		if err != nil {
			s.logger.Warn("dial failed", zap.Int("attempt", attempt+1), zap.Error(err))
		}
		return err
	})
	if err != nil {
		if IsCanceled(err) || s.interrupted.Load() {
			return ErrCanceled
		}
		return &ConnectionError{Host: s.Host.Hostname, Err: err}
	}
	s.Message("%s connection opened", strings.ToUpper(s.Protocol()))

	if err := s.login(ctx); err != nil {
		s.driver.Abort()
		return err
	}

	wd, err := s.driver.Workdir(ctx)
	if err != nil {
		s.driver.Abort()
		return s.classify("workdir", nil, err)
	}
	s.home = paths.Clean(wd)
	s.cwd = s.home

	s.fire(DidOpen)
	s.startKeepAlive()
	return nil
}

func (s *Session) login(ctx context.Context) error {
	creds := s.Host.Credentials
	if creds == nil {
		creds = &Credentials{}
		s.Host.Credentials = creds
	}
	if !creds.Check() {
		if err := s.prompt(ctx, fmt.Sprintf("Login with username and password for %s", s.Host.Hostname)); err != nil {
			return err
		}
	}
	for {
		s.Message("Authenticating as %s", s.Host.Username())
		err := s.driver.Login(ctx, s.Host.Credentials)
		if err == nil {
			s.Message("Login successful")
			return nil
		}
		if s.interrupted.Load() {
			return ErrCanceled
		}
		if !errors.Is(err, ErrLoginFailed) {
			return s.classify("login", nil, err)
		}
		s.Message("Login failed")
		if s.opts.Login == nil {
			return fmt.Errorf("login as %s: %w", s.Host.Username(), err)
		}
		reason := fmt.Sprintf("Authentication for user %s failed. The server response is: %v", s.Host.Username(), err)
		if err := s.prompt(ctx, reason); err != nil {
			return err
		}
	}
}

func (s *Session) prompt(ctx context.Context, reason string) error {
	if s.opts.Login == nil {
		return nil
	}
	creds, err := s.opts.Login.PromptLogin(ctx, s.Host, reason)
	if err != nil {
		if errors.Is(err, ErrLoginCanceled) {
			return fmt.Errorf("login as %s: %w", s.Host.Username(), ErrLoginCanceled)
		}
		return err
	}
	if creds == nil {
		return fmt.Errorf("login as %s: %w", s.Host.Username(), ErrLoginCanceled)
	}
	s.Host.Credentials = creds
	return nil
}

// Mount connects and resolves dir into the working directory. An absolute
// dir is used as is, a dir starting with HomeMarker is relative to the
// login directory and anything else is relative to the current working
// directory. An empty dir mounts the host's default path. If the target
// cannot be listed the current working directory is returned instead.
func (s *Session) Mount(ctx context.Context, dir string) (*paths.Path, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Message("Mounting %s", s.Host.Hostname)
	s.fire(ActivityStarted)
	defer s.fire(ActivityStopped)

	if err := s.check(ctx); err != nil {
		return nil, s.report(nil, err)
	}

	if dir == "" {
		dir = s.Host.DefaultPath
	}
	if dir != "" {
		target := paths.New(s.resolve(dir), paths.DirectoryType)
		list, err := s.list(ctx, target)
		if err != nil && !isOperation(err) {
			return nil, s.report(target, err)
		}
		if list != nil && list.Attributes().Readable() {
			s.cwd = target.Absolute()
			return target, nil
		}
		s.logger.Info("mount target unreadable, using working directory",
			zap.String("path", target.Absolute()), zap.String("workdir", s.cwd))
	}
	return paths.New(s.cwd, paths.DirectoryType), nil
}

func (s *Session) resolve(dir string) string {
	switch {
	case strings.HasPrefix(dir, "/"):
		return paths.Clean(dir)
	case dir == HomeMarker:
		return s.home
	case strings.HasPrefix(dir, HomeMarker+"/"):
		return paths.Clean(path.Join(s.home, dir[len(HomeMarker)+1:]))
	default:
		return paths.Clean(path.Join(s.cwd, dir))
	}
}

// Interrupt aborts in-flight resolution and I/O by closing the transport.
// It may be called from any goroutine.
func (s *Session) Interrupt() {
	s.interrupted.Store(true)
	s.cancelMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancelMu.Unlock()
	s.driver.Abort()
	s.logger.Debug("interrupted")
}

// Close disconnects and clears the listing cache. The password is wiped
// unless the credentials ask to be remembered; a later connect prompts
// again.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if creds := s.Host.Credentials; creds != nil && !creds.Remember {
		defer creds.Clear()
	}
	return s.close()
}

func (s *Session) close() error {
	s.stopKeepAlive()
	defer s.cache.Clear()
	if !s.driver.Connected() {
		return nil
	}
	s.fire(WillClose)
	s.Message("Disconnecting...")
	err := s.driver.Close()
	s.Message("Disconnected")
	s.fire(DidClose)
	if err != nil {
		s.logger.Debug("close", zap.Error(err))
	}
	return err
}

// operationContext derives a context Interrupt can cancel.
func (s *Session) operationContext(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	prev := s.cancel
	s.cancel = cancel
	s.cancelMu.Unlock()
	return ctx, func() {
		s.cancelMu.Lock()
		s.cancel = prev
		s.cancelMu.Unlock()
		cancel()
	}
}

func (s *Session) startKeepAlive() {
	if !s.opts.KeepAlive || s.opts.KeepAliveInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	s.keepAliveStop = stop
	interval := s.opts.KeepAliveInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			if !s.mu.TryLock() {
				// busy sessions are alive by definition
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := s.driver.Noop(ctx)
			cancel()
			s.mu.Unlock()
			if err != nil {
				s.logger.Warn("keep-alive failed", zap.Error(err))
				s.Interrupt()
				return
			}
		}
	}()
}

func (s *Session) stopKeepAlive() {
	if s.keepAliveStop != nil {
		close(s.keepAliveStop)
		s.keepAliveStop = nil
	}
}

// classify turns a raw driver error into the session's error taxonomy.
func (s *Session) classify(op string, p *paths.Path, err error) error {
	if err == nil {
		return nil
	}
	if s.interrupted.Load() || IsCanceled(err) {
		return ErrCanceled
	}
	var (
		ce *ConnectionError
		oe *OperationError
		re *ResumeError
	)
	if errors.As(err, &ce) || errors.As(err, &oe) || errors.As(err, &re) ||
		errors.Is(err, ErrLoginCanceled) || errors.Is(err, ErrLoginFailed) {
		return err
	}
	if isTransport(err) || !s.driver.Connected() {
		return &ConnectionError{Host: s.Host.Hostname, Err: err}
	}
	name := ""
	if p != nil {
		name = p.Absolute()
	}
	return &OperationError{Op: op, Path: name, Err: err}
}

// report broadcasts err unless it is a cancellation and returns it.
func (s *Session) report(p *paths.Path, err error) error {
	if err == nil || IsCanceled(err) {
		return err
	}
	if errors.Is(err, ErrLoginCanceled) {
		s.logger.Info("login canceled")
		return err
	}
	if errors.Is(err, ErrUnsupported) {
		return err
	}
	f := Failure{Message: err.Error(), Err: err}
	if p != nil {
		f.Path = p.Absolute()
	}
	metrics.RecordSessionError(s.Protocol())
	s.logger.Warn("session failure", zap.String("path", f.Path), zap.Error(err))
	s.Errors.Publish(f)
	return err
}

func isOperation(err error) bool {
	var oe *OperationError
	return errors.As(err, &oe)
}
