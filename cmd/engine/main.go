package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/umputun/go-flags"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"jobfeed-engine/internal/config"
	"jobfeed-engine/internal/events"
	"jobfeed-engine/internal/feed"
	"jobfeed-engine/internal/httpapi"
	"jobfeed-engine/internal/scheduler"
	"jobfeed-engine/internal/source"
	"jobfeed-engine/internal/store"
)

var opts struct {
	Config  string `short:"c" long:"config" env:"JOBFEED_CONFIG" description:"config file, created in the data dir when omitted"`
	DataDir string `short:"d" long:"data-dir" env:"JOBFEED_DATA_DIR" default:"." description:"data directory"`
	Listen  string `long:"listen" env:"JOBFEED_LISTEN" default:"127.0.0.1" description:"listen address"`
	Port    int    `short:"p" long:"port" env:"JOBFEED_PORT" description:"override app.port"`
	Schema  bool   `long:"schema" description:"print the config JSON schema and exit"`
	Dbg     bool   `long:"dbg" env:"JOBFEED_DEBUG" description:"debug mode"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"write logs to a rotated file"`
		Filename        string `long:"file" env:"FILE" default:"jobfeed.log" description:"log file"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size, MB"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"rotated files to keep"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"30" description:"days to keep rotated files"`
		EnabledCompress bool   `long:"compress" env:"COMPRESS" description:"gzip rotated files"`
	} `group:"log" namespace:"log" env-namespace:"JOBFEED_LOG"`
}

var revision = "unknown"

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}

	if opts.Schema {
		b, err := config.Schema()
		if err != nil {
			fmt.Fprintf(os.Stderr, "schema: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(b))
		return
	}

	setupLogs()
	log.Printf("[INFO] jobfeed engine %s", revision)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
	log.Printf("[INFO] stopped")
}

// setupLogs configures lgr and returns where the log goes.
func setupLogs() io.Writer {
	var out io.Writer = os.Stdout
	if opts.Log.Enabled {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	if opts.Dbg {
		log.Setup(log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.Out(out), log.Err(out))
		return out
	}
	log.Setup(log.Msec, log.Out(out), log.Err(out))
	return out
}

// loadConfig reads, normalizes and validates the config, bootstrapping a
// default file in dataDir when no path is given.
func loadConfig(dataDir, path string) (config.Config, string, error) {
	if path == "" {
		p, err := config.EnsureUserConfig(dataDir, "")
		if err != nil {
			return config.Config{}, "", fmt.Errorf("config bootstrap failed: %w", err)
		}
		path = p
	}

	raw, err := config.Load(path)
	if err != nil {
		return config.Config{}, path, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, vr := config.NormalizeAndValidate(raw)
	for _, w := range vr.Warnings {
		log.Printf("[WARN] [config] %s", w)
	}
	if !vr.OK() {
		return config.Config{}, path, config.Validate(raw)
	}
	if cfg.App.DataDir == "" {
		cfg.App.DataDir = dataDir
	}
	return cfg, path, nil
}

func openBackend(ctx context.Context, cfg config.Config) (store.Backend, error) {
	kind, err := store.ParseKind(cfg.Storage.Backend)
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, kind, store.Options{
		Dir:         cfg.App.DataDir,
		SQLiteFile:  cfg.Storage.SQLiteFile,
		BlobFile:    cfg.Storage.BlobFile,
		LockTimeout: cfg.LockTimeout(),
	})
}

func makeSource(cfg config.Config) (*source.Client, error) {
	return source.New(source.Options{
		BaseURL:      cfg.Source.BaseURL,
		Timeout:      cfg.SourceTimeout(),
		UserAgent:    cfg.Source.UserAgent,
		MaxBodyBytes: cfg.Source.MaxBodyBytes,
		Limiter:      source.NewLimiter(cfg.Source.RatePerSec, cfg.Source.Burst),
	})
}

// warmUp loads bookmarks and the first page side by side.
func warmUp(ctx context.Context, f *feed.Feed) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		f.LoadBookmarks(gctx)
		return nil
	})
	g.Go(func() error {
		f.FetchJobs(gctx, false)
		if msg := f.Snapshot().Error; msg != "" {
			log.Printf("[WARN] first page not loaded: %s", msg)
		}
		return nil
	})
	return g.Wait()
}

func refreshTask(f *feed.Feed) scheduler.Task {
	return func(ctx context.Context) error {
		f.FetchJobs(ctx, true)
		if msg := f.Snapshot().Error; msg != "" {
			return errors.New(msg)
		}
		return nil
	}
}

func run(ctx context.Context) error {
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return err
	}
	cfg, cfgPath, err := loadConfig(opts.DataDir, opts.Config)
	if err != nil {
		return err
	}
	if opts.Port > 0 {
		cfg.App.Port = opts.Port
	}
	var cfgVal atomic.Value // stores config.Config
	cfgVal.Store(cfg)
	log.Printf("[INFO] config %s, data dir %s", cfgPath, cfg.App.DataDir)

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	src, err := makeSource(cfg)
	if err != nil {
		return err
	}

	hub := events.NewHub()
	f := feed.New(src, backend, feed.WithPublisher(hub))
	if err := warmUp(ctx, f); err != nil {
		return err
	}

	if every := cfg.RefreshInterval(); every > 0 {
		log.Printf("[INFO] periodic refresh every %v", every)
		go scheduler.Tick(ctx, every, "refresh", refreshTask(f))
	}

	addr := net.JoinHostPort(opts.Listen, strconv.Itoa(cfg.App.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler: httpapi.NewRouter(httpapi.Deps{
			Feed:        f,
			Hub:         hub,
			CfgVal:      &cfgVal,
			UserCfgPath: cfgPath,
			Backend:     string(backend.Kind()),
			Version:     revision,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf("[WARN] shutdown: %v", err)
		}
	}()

	log.Printf("[INFO] engine listening on http://%s (bookmarks=%s)", addr, backend.Kind())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
