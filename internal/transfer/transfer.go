// Package transfer walks a set of root paths and moves them between the
// local file system and a session, downloading, uploading or
// synchronizing in both directions.
package transfer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/yarkm13/skiff/internal/config"
	"github.com/yarkm13/skiff/internal/event"
	"github.com/yarkm13/skiff/internal/logging"
	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/queue"
	"github.com/yarkm13/skiff/internal/session"
	"github.com/yarkm13/skiff/internal/throttle"
)

// Kind names the direction of a transfer.
type Kind string

const (
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
	KindSync     Kind = "sync"
)

// EventType identifies a transfer lifecycle notification.
type EventType int

const (
	WillStart EventType = iota
	Paused
	Resumed
	DidEnd
	WillTransferPath
	DidTransferPath
)

func (e EventType) String() string {
	switch e {
	case WillStart:
		return "will-start"
	case Paused:
		return "paused"
	case Resumed:
		return "resumed"
	case DidEnd:
		return "did-end"
	case WillTransferPath:
		return "will-transfer-path"
	case DidTransferPath:
		return "did-transfer-path"
	}
	return "unknown"
}

// Event is published on Transfer.Events. Path is set for the per-path
// events only.
type Event struct {
	Type EventType
	Path *paths.Path
}

// Options configures a new transfer.
type Options struct {
	Config config.Config
	// Queue admits queued runs; nil runs every transfer immediately.
	Queue *queue.Coordinator
	// Prompt answers ActionAsk; nil uses the configured default.
	Prompt Prompt
	// ID identifies the transfer in the snapshot store. A random one is
	// generated when empty.
	ID string
}

// StartOptions selects how a run treats existing files and admission.
type StartOptions struct {
	Resume bool
	Reload bool
	// Queued waits for a slot in the coordinator before running.
	Queued bool
}

// direction is the part of a transfer that knows which way bytes flow.
type direction interface {
	kind() Kind
	action(resume, reload bool) Action
	filter(a Action) Filter
	alwaysPrompt() bool
	destinationExists(ctx context.Context, p *paths.Path) bool
	children(ctx context.Context, parent *paths.Path) []*paths.Path
	transferPath(ctx context.Context, p *paths.Path) error
	// evict drops whatever children memo is held for p.
	evict(p *paths.Path)
	clear()
	reset()
}

// Transfer is one batch operation over a set of root paths. Start runs it
// on the calling goroutine; the accessors and Cancel may be used from any
// other goroutine.
type Transfer struct {
	Events event.Bus[Event]

	id      string
	roots   []*paths.Path
	sess    *session.Session
	cfg     config.Config
	queue   *queue.Coordinator
	prompt  Prompt
	dir     direction
	limiter *throttle.Limiter
	logger  *zap.Logger

	size        atomic.Int64
	transferred atomic.Int64
	canceled    atomic.Bool
	running     atomic.Bool
	queued      atomic.Bool
	current     atomic.Pointer[paths.Path]

	seen *existence
	// owner collects the failures of a sync delegate.
	owner *Transfer

	mu       sync.Mutex
	filters  map[Action]Filter
	failures *multierror.Error
}

func newTransfer(sess *session.Session, roots []*paths.Path, opts Options) *Transfer {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	t := &Transfer{
		id:      id,
		roots:   roots,
		sess:    sess,
		cfg:     opts.Config,
		queue:   opts.Queue,
		prompt:  opts.Prompt,
		seen:    newExistence(),
		filters: make(map[Action]Filter),
	}
	t.logger = logging.L().With(zap.String("transfer", id))
	return t
}

// ID returns the identifier used by the snapshot store.
func (t *Transfer) ID() string { return t.id }

// Kind returns the transfer direction.
func (t *Transfer) Kind() Kind { return t.dir.kind() }

// Session returns the session the transfer runs on.
func (t *Transfer) Session() *session.Session { return t.sess }

// Roots returns the root paths.
func (t *Transfer) Roots() []*paths.Path { return append([]*paths.Path(nil), t.roots...) }

// Root returns the first root.
func (t *Transfer) Root() *paths.Path { return t.roots[0] }

// NumberOfRoots returns how many roots the transfer has.
func (t *Transfer) NumberOfRoots() int { return len(t.roots) }

// Name describes the transfer by its roots.
func (t *Transfer) Name() string {
	if t.dir.kind() == KindSync {
		r := t.Root()
		local := ""
		if r.Local != nil {
			local = r.Local.Name()
		}
		return r.Name() + " ↔ " + local
	}
	names := make([]string, 0, len(t.roots))
	for _, r := range t.roots {
		if r.Local != nil {
			names = append(names, r.Local.Name())
		} else {
			names = append(names, r.Name())
		}
	}
	return strings.Join(names, " ")
}

// Size returns the estimated byte total of the current run.
func (t *Transfer) Size() int64 {
	if s, ok := t.dir.(*syncer); ok {
		if n := s.down.Size() + s.up.Size(); n != 0 {
			return n
		}
	}
	return t.size.Load()
}

// Transferred returns the bytes moved so far, resumed prefixes included.
func (t *Transfer) Transferred() int64 {
	if s, ok := t.dir.(*syncer); ok {
		if n := s.down.Transferred() + s.up.Transferred(); n != 0 {
			return n
		}
	}
	return t.transferred.Load()
}

// IsComplete reports whether every estimated byte was moved. A run that
// has nothing to move is never complete.
func (t *Transfer) IsComplete() bool {
	size := t.Size()
	return size != 0 && size == t.Transferred()
}

// IsVirgin reports whether no bytes have been moved yet.
func (t *Transfer) IsVirgin() bool { return t.Transferred() == 0 }

func (t *Transfer) IsRunning() bool  { return t.running.Load() }
func (t *Transfer) IsQueued() bool   { return t.queued.Load() }
func (t *Transfer) IsCanceled() bool { return t.canceled.Load() }

// Current returns the path being transferred, or nil.
func (t *Transfer) Current() *paths.Path { return t.current.Load() }

// SetBandwidth changes the ceiling of a running transfer. Zero or less is
// unlimited.
func (t *Transfer) SetBandwidth(bytesPerSecond int64) {
	if t.limiter == nil {
		return
	}
	t.limiter.SetRate(bytesPerSecond)
}

// IsSelectable reports whether p may be picked for transfer by the user.
func (t *Transfer) IsSelectable(ctx context.Context, p *paths.Path) bool {
	if s, ok := t.dir.(*syncer); ok {
		return p.IsDirectory() || s.compare(ctx, p) != Equal
	}
	return true
}

// Cancel stops the run after the current path. A second call while
// already canceled interrupts the session so blocked I/O fails at once.
func (t *Transfer) Cancel() {
	if t.canceled.Load() {
		t.logger.Info("interrupting session")
		t.sess.Interrupt()
	} else {
		if p := t.current.Load(); p != nil {
			p.Status.SetCanceled()
		}
		t.canceled.Store(true)
	}
	if t.queue != nil {
		t.queue.Notify()
	}
}

func (t *Transfer) publish(typ EventType, p *paths.Path) {
	t.Events.Publish(Event{Type: typ, Path: p})
}

// Start runs the transfer to the end and returns the aggregated failures.
// A canceled run returns an error matching session.ErrCanceled.
func (t *Transfer) Start(ctx context.Context, opts StartOptions) error {
	t.willStart()
	defer t.didEnd()

	stop := context.AfterFunc(ctx, t.Cancel)
	defer stop()

	if opts.Queued && t.queue != nil {
		t.queue.Wait(ctx, t, func() {
			t.queued.Store(true)
			t.publish(Paused, nil)
			t.sess.Message("Maximum allowed connections exceeded. Waiting...")
		})
		t.queued.Store(false)
		t.publish(Resumed, nil)
		// the AfterFunc may not have run yet
		if ctx.Err() != nil {
			t.Cancel()
		}
		if t.IsCanceled() {
			return session.ErrCanceled
		}
	}
	return t.run(ctx, opts.Resume, opts.Reload)
}

func (t *Transfer) willStart() {
	t.canceled.Store(false)
	t.queued.Store(false)
	t.running.Store(true)
	if t.queue != nil {
		t.queue.Start(t)
	}
	t.logger.Info("transfer started", zap.String("kind", string(t.dir.kind())), zap.String("name", t.Name()))
	t.publish(WillStart, nil)
}

func (t *Transfer) didEnd() {
	t.running.Store(false)
	t.queued.Store(false)
	t.current.Store(nil)
	if t.queue != nil {
		t.queue.Finish(t)
	}
	t.logger.Info("transfer ended",
		zap.Int64("size", t.Size()),
		zap.Int64("transferred", t.Transferred()),
		zap.Bool("canceled", t.IsCanceled()),
	)
	t.publish(DidEnd, nil)
}

func (t *Transfer) run(ctx context.Context, resume, reload bool) error {
	t.mu.Lock()
	t.failures = nil
	t.mu.Unlock()

	if err := t.sess.Check(ctx); err != nil {
		t.fail(nil, err)
	}
	if !t.check() {
		return t.result()
	}

	action := t.dir.action(resume, reload)
	if action == ActionCancel {
		t.Cancel()
		return t.result()
	}
	t.clear()
	filter, err := t.Resolve(ctx, action)
	if err != nil {
		t.fail(nil, err)
		return t.result()
	}
	if filter == nil {
		t.Cancel()
		return t.result()
	}

	t.reset()
	for _, r := range t.roots {
		t.prepare(ctx, r, filter)
	}
	for _, r := range t.roots {
		t.walk(ctx, r, filter)
	}
	t.clear()
	_ = t.sess.Close()
	return t.result()
}

// check reports whether the walk may continue.
func (t *Transfer) check() bool {
	return t.sess.IsConnected() && !t.IsCanceled()
}

func (t *Transfer) clear() {
	t.seen.reset()
	t.mu.Lock()
	t.filters = make(map[Action]Filter)
	t.mu.Unlock()
	for _, r := range t.roots {
		r.Status.SetPrepared(false)
	}
	t.dir.clear()
}

func (t *Transfer) reset() {
	t.size.Store(0)
	t.transferred.Store(0)
	t.dir.reset()
}

// prepare readies p and its immediate children.
func (t *Transfer) prepare(ctx context.Context, p *paths.Path, f Filter) {
	if !t.check() || p.Status.IsSkipped() {
		return
	}
	t.prepareOne(ctx, p, f)
	if !p.IsDirectory() || p.IsSymlink() {
		return
	}
	for _, child := range t.dir.children(ctx, p) {
		if !t.check() {
			return
		}
		t.prepareOne(ctx, child, f)
	}
}

func (t *Transfer) prepareOne(ctx context.Context, p *paths.Path, f Filter) {
	if p.Status.IsPrepared() || p.Status.IsSkipped() {
		return
	}
	if f.Accept(ctx, p) && !p.Status.IsSkipped() {
		f.Prepare(ctx, p)
	}
}

// walk transfers p and then its children in listing order.
func (t *Transfer) walk(ctx context.Context, p *paths.Path, f Filter) {
	if !t.check() || p.Status.IsSkipped() {
		return
	}
	if f.Accept(ctx, p) && !p.Status.IsSkipped() {
		t.prepare(ctx, p, f)
		p.Status.Reset()
		t.current.Store(p)
		t.publish(WillTransferPath, p)
		if err := t.dir.transferPath(ctx, p); err != nil {
			t.fail(p, err)
		}
		t.publish(DidTransferPath, p)
		t.current.Store(nil)
	}
	if !t.check() {
		return
	}
	// links to directories are transferred as directories but not entered
	if p.IsDirectory() && !p.IsSymlink() {
		for _, child := range t.dir.children(ctx, p) {
			t.walk(ctx, child, f)
		}
		t.dir.evict(p)
	}
}

// fail records a per-path failure. Session errors were already broadcast
// by the session; local ones are published on its error bus here.
func (t *Transfer) fail(p *paths.Path, err error) {
	if t.owner != nil {
		t.owner.fail(p, err)
		return
	}
	if session.IsCanceled(err) {
		return
	}
	name := ""
	if p != nil {
		name = p.Absolute()
	}
	var (
		ce *session.ConnectionError
		oe *session.OperationError
		re *session.ResumeError
	)
	broadcast := errors.As(err, &ce) || errors.As(err, &oe) || errors.As(err, &re) ||
		errors.Is(err, session.ErrLoginFailed) || errors.Is(err, session.ErrLoginCanceled)
	if !broadcast {
		t.sess.Errors.Publish(session.Failure{Path: name, Message: err.Error(), Err: err})
	}
	t.logger.Warn("transfer failure", zap.String("path", name), zap.Error(err))
	t.mu.Lock()
	t.failures = multierror.Append(t.failures, err)
	t.mu.Unlock()
}

func (t *Transfer) result() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failures == nil {
		if t.IsCanceled() {
			return session.ErrCanceled
		}
		return nil
	}
	if t.IsCanceled() {
		return multierror.Append(t.failures, session.ErrCanceled).ErrorOrNil()
	}
	return t.failures.ErrorOrNil()
}

// progress returns the per-chunk callback for p.
func (t *Transfer) progress(p *paths.Path) func(int64) {
	return func(n int64) {
		p.Status.AddCurrent(n)
		t.transferred.Add(n)
	}
}

func (t *Transfer) permission(d config.DirectionConfig, known paths.Permission, dir bool) paths.Permission {
	perm := known
	if d.PermissionsUseDefault || !perm.Known() {
		if dir {
			perm = paths.Permission(d.FolderPermission.Perm())
		} else {
			perm = paths.Permission(d.FilePermission.Perm())
		}
	}
	return perm
}
