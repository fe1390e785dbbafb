// remotefs - read-only filesystem over HTTP
//
// Files are listed by a JSON index and fetched from a base URL the first
// time they are opened. Sizes come from HEAD requests.
//
// Sub-commands:
//
//	remotefs mount [flags]          Mount filesystem (default)
//	remotefs ls [flags] <path>      List a directory
//	remotefs cat [flags] <path>     Print a file
//	remotefs stat [flags] <path>    Show file attributes
//	remotefs index [-o file] <dir>  Generate an index for a local directory
//	remotefs serve [flags] <dir>    Serve a local directory with its index
//
// Defaults come from the environment (REMOTEFS_INDEX, REMOTEFS_BASE_URL,
// REMOTEFS_TIMEOUT, REMOTEFS_RETRY_ATTEMPTS, REMOTEFS_TOKEN, LOG_LEVEL,
// LOG_FORMAT, METRICS_ADDR); flags override them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fruitsalade/remotefs/internal/config"
	"github.com/fruitsalade/remotefs/internal/logging"
	"github.com/fruitsalade/remotefs/internal/metrics"
	"github.com/fruitsalade/remotefs/pkg/client"
	"github.com/fruitsalade/remotefs/pkg/fuse"
	"github.com/fruitsalade/remotefs/pkg/index"
	"github.com/fruitsalade/remotefs/pkg/indexer"
	"github.com/fruitsalade/remotefs/pkg/remotefs"
	"github.com/fruitsalade/remotefs/pkg/retry"
	"github.com/fruitsalade/remotefs/pkg/vfs"
)

func main() {
	logging.InitDefault()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("invalid configuration", logging.Err(err))
	}

	args := os.Args[1:]
	cmd := "mount"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "mount":
		cmdMount(cfg, args)
	case "ls":
		cmdLs(cfg, args)
	case "cat":
		cmdCat(cfg, args)
	case "stat":
		cmdStat(cfg, args)
	case "index":
		cmdIndex(cfg, args)
	case "serve":
		cmdServe(cfg, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", cmd)
		fmt.Fprintf(os.Stderr, "Commands: mount, ls, cat, stat, index, serve\n")
		os.Exit(2)
	}
}

// remoteFlags are shared by every command that talks to a remote.
type remoteFlags struct {
	cfg *config.Config
}

func addRemoteFlags(fs *flag.FlagSet, cfg *config.Config) *remoteFlags {
	fs.StringVar(&cfg.Index, "index", cfg.Index, "Index URL, relative to -base-url, or file:// path to a local listing")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Base URL for file contents")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout")
	fs.IntVar(&cfg.RetryAttempts, "retries", cfg.RetryAttempts, "Attempts per request (1 disables retry)")
	fs.StringVar(&cfg.AuthToken, "token", cfg.AuthToken, "Bearer token sent with every request")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: console or json")
	return &remoteFlags{cfg: cfg}
}

// open initializes logging and returns a ready filesystem.
func (rf *remoteFlags) open(ctx context.Context) *remotefs.FS {
	cfg := rf.cfg
	if err := cfg.Validate(); err != nil {
		logging.Fatal("invalid configuration", logging.Err(err))
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		logging.Fatal("init logging", logging.Err(err))
	}
	if !remotefs.Available() {
		logging.Fatal("no HTTP transport available")
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.RetryAttempts

	fsCfg := remotefs.Config{
		Index:   cfg.Index,
		BaseURL: cfg.BaseURL,
		Client: client.New(client.Config{
			Timeout:     cfg.Timeout,
			RetryConfig: retryCfg,
			AuthToken:   cfg.AuthToken,
		}),
	}

	if p, ok := strings.CutPrefix(cfg.Index, "file://"); ok {
		tree, err := readListingFile(p)
		if err != nil {
			logging.Fatal("read listing failed", logging.Err(err))
		}
		fsCfg.Listing = tree
	}

	fsys, err := remotefs.New(ctx, fsCfg).Ready(ctx)
	if err != nil {
		logging.Fatal("load index", logging.Err(err))
	}
	return fsys
}

func readListingFile(path string) (index.Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open listing: %w", err)
	}
	defer f.Close()

	tree, err := index.ReadListing(f)
	if err != nil {
		return nil, fmt.Errorf("parse listing %s: %w", path, err)
	}
	return tree, nil
}

func startMetricsServer(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		logging.Info("metrics listening", logging.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server failed", logging.Err(err))
		}
	}()
}

func cmdMount(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)
	rf := addRemoteFlags(fs, cfg)
	fs.StringVar(&cfg.MountPoint, "mount", cfg.MountPoint, "Mount point for virtual filesystem (required)")
	fs.BoolVar(&cfg.AllowOther, "allow-other", cfg.AllowOther, "Allow other users to access the mount")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Address for the Prometheus /metrics endpoint")
	debug := fs.Bool("debug", false, "Log every FUSE request")
	fs.Parse(args)

	if cfg.MountPoint == "" {
		fmt.Fprintf(os.Stderr, "Error: -mount is required\n")
		fs.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fsys := rf.open(ctx)
	defer logging.Sync()

	logging.Info("remotefs starting",
		logging.String("index", cfg.Index),
		logging.String("base_url", fsys.Metadata().BaseURL),
		logging.String("mount", cfg.MountPoint))

	startMetricsServer(cfg.MetricsAddr)

	server, err := fuse.Mount(fsys, cfg.MountPoint, fuse.Config{
		AllowOther: cfg.AllowOther,
		Debug:      *debug,
	})
	if err != nil {
		logging.Fatal("mount failed", logging.Err(err))
	}

	logging.Info("filesystem mounted (read-only), press Ctrl+C to unmount")
	<-ctx.Done()

	logging.Info("unmounting")
	if err := server.Unmount(); err != nil {
		logging.Error("unmount failed", logging.Err(err))
	}

	snap := fsys.Stats().Snapshot()
	logging.Info("done",
		logging.Bool("online", fsys.Health().Online),
		logging.Int64("content_fetches", snap.ContentFetches),
		logging.Int64("size_probes", snap.SizeProbes),
		logging.Int64("bytes_downloaded", snap.BytesDownloaded))
}

func cmdLs(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	rf := addRemoteFlags(fs, cfg)
	long := fs.Bool("l", false, "Show kind and inode number")
	fs.Parse(args)

	p := "/"
	if fs.NArg() > 0 {
		p = fs.Arg(0)
	}

	ctx := context.Background()
	fsys := rf.open(ctx)
	defer logging.Sync()

	entries, err := fsys.ReadDirEntries(ctx, p, vfs.CurrentCred())
	if err != nil {
		logging.Fatal("read directory failed", logging.String("path", p), logging.Err(err))
	}
	for _, e := range entries {
		name := e.Name
		if e.IsDir {
			name += "/"
		}
		if *long {
			kind := "f"
			if e.IsDir {
				kind = "d"
			}
			fmt.Printf("%s %8d  %s\n", kind, e.Ino, name)
			continue
		}
		fmt.Println(name)
	}
}

func cmdCat(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("cat", flag.ExitOnError)
	rf := addRemoteFlags(fs, cfg)
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: remotefs cat [flags] <path>...\n")
		os.Exit(1)
	}

	ctx := context.Background()
	fsys := rf.open(ctx)
	defer logging.Sync()

	for _, p := range fs.Args() {
		data, err := fsys.ReadFile(ctx, p, os.O_RDONLY, vfs.CurrentCred())
		if err != nil {
			logging.Fatal("read file failed", logging.String("path", p), logging.Err(err))
		}
		os.Stdout.Write(data)
	}
}

func cmdStat(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("stat", flag.ExitOnError)
	rf := addRemoteFlags(fs, cfg)
	asJSON := fs.Bool("json", false, "Print as JSON")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: remotefs stat [flags] <path>\n")
		os.Exit(1)
	}
	p := fs.Arg(0)

	ctx := context.Background()
	fsys := rf.open(ctx)
	defer logging.Sync()

	st, err := fsys.Stat(ctx, p, vfs.CurrentCred())
	if err != nil {
		logging.Fatal("stat failed", logging.String("path", p), logging.Err(err))
	}
	cached, _ := fsys.Cached(ctx, p)
	u, _ := fsys.URL(ctx, p)

	if *asJSON {
		out := map[string]interface{}{
			"path":   p,
			"size":   st.Size,
			"mode":   st.FileMode().String(),
			"ino":    st.Ino,
			"dir":    st.IsDir(),
			"cached": cached,
			"remote": fsys.Health(),
		}
		if u != "" {
			out["url"] = u
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(out)
		return
	}

	fmt.Printf("Path:   %s\n", p)
	fmt.Printf("Size:   %d\n", st.Size)
	fmt.Printf("Mode:   %s\n", st.FileMode())
	fmt.Printf("Inode:  %d\n", st.Ino)
	fmt.Printf("Cached: %v\n", cached)
	if u != "" {
		fmt.Printf("URL:    %s\n", u)
	}
}

func cmdIndex(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	out := fs.String("o", "", "Write the listing to this file instead of stdout")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: remotefs index [-o file] <dir>\n")
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		logging.Fatal("init logging", logging.Err(err))
	}
	defer logging.Sync()

	ix, err := indexer.New(fs.Arg(0))
	if err != nil {
		logging.Fatal("open directory failed", logging.Err(err))
	}
	ctx := context.Background()

	if *out == "" {
		tree, err := ix.Build(ctx)
		if err != nil {
			logging.Fatal("build listing", logging.Err(err))
		}
		if err := json.NewEncoder(os.Stdout).Encode(tree); err != nil {
			logging.Fatal("write listing failed", logging.Err(err))
		}
		return
	}

	tree, err := ix.WriteListing(ctx, *out)
	if err != nil {
		logging.Fatal("write listing failed", logging.String("file", *out), logging.Err(err))
	}
	fmt.Fprintf(os.Stderr, "Wrote %d entries to %s\n", tree.Count(), *out)
}

func cmdServe(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8080", "Listen address")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Address for the Prometheus /metrics endpoint")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: remotefs serve [-addr :8080] <dir>\n")
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		logging.Fatal("init logging", logging.Err(err))
	}
	defer logging.Sync()

	ix, err := indexer.New(fs.Arg(0))
	if err != nil {
		logging.Fatal("open directory failed", logging.Err(err))
	}
	// The generated listing takes this path.
	ix.Exclude[strings.TrimPrefix(indexer.ListingPath, "/")] = true

	startMetricsServer(cfg.MetricsAddr)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           logging.Middleware(metrics.Middleware(ix.Handler())),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.Info("serving",
		logging.String("root", ix.Root()),
		logging.String("addr", *addr),
		logging.String("index", indexer.ListingPath))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("serve", logging.Err(err))
	}
	logging.Info("server stopped")
}
