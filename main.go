package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yarkm13/skiff/internal/config"
	"github.com/yarkm13/skiff/internal/logging"
	"github.com/yarkm13/skiff/internal/metrics"
	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/protocol/sftp"
	"github.com/yarkm13/skiff/internal/queue"
	"github.com/yarkm13/skiff/internal/store"
	"github.com/yarkm13/skiff/internal/transfer"
)

type options struct {
	configPath    string
	jobID         string
	storeLocation string
	action        string
	syncPolicy    string
	metricsAddr   string
	logLevel      string
	keyFile       string
	resume        bool
	queued        bool
}

// pair is one remote URL and its local counterpart.
type pair struct {
	url   string
	local string
}

func main() {
	os.Exit(realMain())
}

func realMain() int {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "JSON configuration file")
	flag.StringVar(&opts.jobID, "job", "", "Resume the saved transfer with this id")
	flag.StringVar(&opts.storeLocation, "store", defaultStore(), "Job store, file:<dir> or sqlite:<path>")
	flag.StringVar(&opts.action, "action", "", "Action for existing files: overwrite, resume, rename, skip or ask")
	flag.StringVar(&opts.syncPolicy, "sync", "", "Sync policy: mirror, download or upload")
	flag.BoolVar(&opts.resume, "resume", false, "Resume partially transferred files")
	flag.BoolVar(&opts.queued, "queued", false, "Wait for a free transfer slot before starting")
	flag.StringVar(&opts.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flag.StringVar(&opts.keyFile, "key", "", "Private key file for sftp and scp")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: skiff [flags] <download|upload|sync> <url> <local> [<url> <local>...]\n")
		fmt.Fprintf(flag.CommandLine.Output(), "       skiff [flags] -job <id>\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skiff: %v\n", err)
		return 2
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "skiff: init logging: %v\n", err)
		return 2
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, flag.Args()); err != nil {
		logging.Error("transfer failed", logging.Err(err))
		return 1
	}
	logging.Info("all transfers completed")
	return 0
}

func defaultStore() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "file:.skiff"
	}
	return "file:" + filepath.Join(dir, "skiff", "jobs")
}

// loadConfig reads the configuration file and applies the flag overrides.
func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.action != "" {
		a, err := transfer.ParseAction(opts.action)
		if err != nil {
			return cfg, err
		}
		if a.IsPolicy() || a == transfer.ActionCancel {
			return cfg, fmt.Errorf("-action: %q is not a duplicate file action", a)
		}
		for _, d := range []*config.DirectionConfig{&cfg.Download, &cfg.Upload} {
			d.FileExists = string(a)
			d.ReloadFileExists = string(a)
		}
	}
	if opts.syncPolicy != "" {
		cfg.SyncDefaultAction = opts.syncPolicy
	}
	return cfg, cfg.Validate()
}

// parseArgs splits the positional arguments into the transfer kind and
// its url/local pairs.
func parseArgs(args []string) (transfer.Kind, []pair, error) {
	if len(args) < 3 {
		return "", nil, errors.New("missing arguments: <download|upload|sync> <url> <local>")
	}
	kind := transfer.Kind(args[0])
	switch kind {
	case transfer.KindDownload, transfer.KindUpload, transfer.KindSync:
	default:
		return "", nil, fmt.Errorf("unknown command %q", args[0])
	}
	rest := args[1:]
	if len(rest)%2 != 0 {
		return "", nil, fmt.Errorf("url %s has no local path", rest[len(rest)-1])
	}
	pairs := make([]pair, 0, len(rest)/2)
	for i := 0; i < len(rest); i += 2 {
		pairs = append(pairs, pair{url: rest[i], local: rest[i+1]})
	}
	return kind, pairs, nil
}

func run(ctx context.Context, cfg config.Config, opts options, args []string) error {
	st, err := store.Open(opts.storeLocation)
	if err != nil {
		return err
	}
	defer st.Close()

	con := newConsole(os.Stdin, os.Stderr)
	env := &driverEnv{
		cfg:        cfg,
		knownHosts: sftp.NewKnownHosts(con),
		login:      con,
		keyFile:    opts.keyFile,
	}
	coordinator := queue.New(cfg.MaxTransfers)
	topts := transfer.Options{Config: cfg, Queue: coordinator, Prompt: con}
	start := transfer.StartOptions{Resume: opts.resume, Queued: opts.queued}

	var transfers []*transfer.Transfer
	if opts.jobID != "" {
		t, err := restoreJob(ctx, st, opts.jobID, env, topts)
		if err != nil {
			return err
		}
		transfers = append(transfers, t)
		start.Resume = true
	} else {
		kind, pairs, err := parseArgs(args)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			t, err := newTransfer(ctx, kind, p, env, topts)
			if err != nil {
				return err
			}
			transfers = append(transfers, t)
		}
	}
	// several transfers share the slots of one coordinator
	if len(transfers) > 1 {
		start.Queued = true
	}

	if opts.metricsAddr != "" {
		srv := serveMetrics(opts.metricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	j := newJob(st)
	for _, t := range transfers {
		j.add(t)
		coordinator.Add(t)
	}
	saveCtx, cancelAutosave := context.WithCancel(ctx)
	defer cancelAutosave()
	go j.autosave(saveCtx, autosaveInterval)

	var g errgroup.Group
	for _, t := range transfers {
		g.Go(func() error {
			defer coordinator.Remove(t)
			sub := t.Events.Subscribe(logEvent(t))
			defer sub.Unsubscribe()

			err := t.Start(ctx, start)
			if ferr := j.finish(context.WithoutCancel(ctx), t, err); ferr != nil {
				logging.Warn("save job", logging.String("id", t.ID()), logging.Err(ferr))
			}
			if err != nil {
				logging.Info("transfer can be resumed", logging.String("id", t.ID()))
				return fmt.Errorf("%s: %w", t.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// newTransfer opens a session for p and builds the transfer of the given
// kind. Download roots take their type from the server, upload roots from
// the local file system.
func newTransfer(ctx context.Context, kind transfer.Kind, p pair, env *driverEnv, opts transfer.Options) (*transfer.Transfer, error) {
	s, remote, err := openSession(p.url, env)
	if err != nil {
		return nil, err
	}
	local, err := resolveLocalPath(p.local)
	if err != nil {
		return nil, err
	}
	l := paths.NewLocal(local)

	var typ paths.Type
	switch {
	case kind == transfer.KindUpload:
		typ = l.Type()
	case kind == transfer.KindSync && l.Exists():
		typ = l.Type()
	default:
		if typ, err = remoteType(ctx, s, remote); err != nil {
			return nil, err
		}
	}
	root, err := newRoot(remote, local, typ)
	if err != nil {
		return nil, err
	}

	switch kind {
	case transfer.KindUpload:
		return transfer.NewUpload(s, []*paths.Path{root}, opts), nil
	case transfer.KindSync:
		return transfer.NewSync(s, root, opts), nil
	}
	return transfer.NewDownload(s, []*paths.Path{root}, opts), nil
}

func restoreJob(ctx context.Context, st store.Store, id string, env *driverEnv, opts transfer.Options) (*transfer.Transfer, error) {
	snap, err := st.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	s, _, err := openSession(snap.Host, env)
	if err != nil {
		return nil, err
	}
	return transfer.Restore(snap, s, opts)
}

func logEvent(t *transfer.Transfer) func(transfer.Event) {
	return func(e transfer.Event) {
		switch e.Type {
		case transfer.Paused:
			logging.Info("waiting for a free transfer slot", logging.String("transfer", t.Name()))
		case transfer.DidTransferPath:
			logging.Debug("path done",
				logging.String("path", e.Path.Absolute()),
				logging.Bool("complete", e.Path.Status.IsComplete()),
			)
		}
	}
}

func serveMetrics(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Info("metrics server listening", logging.String("addr", addr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", logging.Err(err))
		}
	}()
	return srv
}
