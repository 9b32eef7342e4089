// Command deltavault is the CLI front end for the incremental
// content-addressed archive: push, get, exists, rename, dehydrate,
// hydrate, archive, validate, plus a handful of debug subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/prn-tf/deltavault/internal/canon"
	"github.com/prn-tf/deltavault/internal/config"
	"github.com/prn-tf/deltavault/internal/core"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if len(args) == 0 {
		printUsage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Msg("load config")
		return 1
	}

	ctx := context.Background()
	archive, err := core.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("open archive")
		return 1
	}
	defer archive.Close()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, archive, logger)
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "push":
		return cmdPush(ctx, archive, logger, rest)
	case "get":
		return cmdGet(ctx, archive, logger, rest)
	case "exists":
		return cmdExists(ctx, archive, logger, rest)
	case "rename":
		return cmdRename(ctx, archive, logger, rest)
	case "dehydrate":
		return cmdDehydrate(ctx, archive, logger)
	case "hydrate":
		return cmdHydrate(ctx, archive, logger)
	case "archive":
		return cmdArchive(ctx, archive, logger, rest)
	case "validate":
		return cmdValidate(ctx, archive, logger)
	case "debug-blobs":
		return cmdDebugBlobs(ctx, archive, logger)
	case "stats":
		return cmdStats(ctx, archive, logger)
	case "ls-files":
		return cmdListFiles(ctx, archive, logger, rest)
	case "blobs":
		return cmdBlobs(ctx, archive, logger)
	case "hash":
		return cmdHash(ctx, archive, logger, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: deltavault <command> [args]

commands:
  push FILE [--name NAME] [--format zip|gzip|xz|zstd|plain]
  get FILE OUT [--dry-run]
  exists FILE
  rename FROM TO
  dehydrate
  hydrate
  archive OUT
  validate
  debug-blobs
  stats
  ls-files [--genesis] [--roots] [--non-roots] [--long]
  blobs
  hash FILE [--format zip|gzip|xz|zstd|plain]`)
}

func serveMetrics(addr string, archive *core.Archive, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", archive.Metrics().Handler())
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

func cmdPush(ctx context.Context, a *core.Archive, logger zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	name := fs.String("name", "", "logical filename (defaults to the input file's base name)")
	format := fs.String("format", "", "format hint: zip, gzip, xz, zstd, plain")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: deltavault push FILE [--name NAME] [--format FMT]")
		return 2
	}
	path := fs.Arg(0)
	filename := *name
	if filename == "" {
		filename = filepath.Base(path)
	}

	if err := a.Push(ctx, filename, path, canon.Format(*format)); err != nil {
		logger.Error().Err(err).Str("file", path).Msg("push failed")
		return 1
	}
	return 0
}

func cmdGet(ctx context.Context, a *core.Archive, logger zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "resolve and print the hop chain without decoding")
	fs.Parse(args)

	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: deltavault get FILE OUT [--dry-run]")
		return 2
	}

	if err := a.Get(ctx, fs.Arg(0), fs.Arg(1), *dryRun); err != nil {
		logger.Error().Err(err).Str("file", fs.Arg(0)).Msg("get failed")
		return 1
	}
	return 0
}

func cmdExists(ctx context.Context, a *core.Archive, logger zerolog.Logger, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: deltavault exists FILE")
		return 2
	}
	found, err := a.Exists(ctx, args[0])
	if err != nil {
		logger.Error().Err(err).Msg("exists failed")
		return 1
	}
	if !found {
		return 1
	}
	return 0
}

func cmdRename(ctx context.Context, a *core.Archive, logger zerolog.Logger, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: deltavault rename FROM TO")
		return 2
	}
	if err := a.Rename(ctx, args[0], args[1]); err != nil {
		logger.Error().Err(err).Msg("rename failed")
		return 1
	}
	return 0
}

func cmdDehydrate(ctx context.Context, a *core.Archive, logger zerolog.Logger) int {
	if err := a.Dehydrate(ctx); err != nil {
		logger.Error().Err(err).Msg("dehydrate failed")
		return 1
	}
	return 0
}

func cmdHydrate(ctx context.Context, a *core.Archive, logger zerolog.Logger) int {
	if err := a.Hydrate(ctx); err != nil {
		logger.Error().Err(err).Msg("hydrate failed")
		return 1
	}
	return 0
}

func cmdArchive(ctx context.Context, a *core.Archive, logger zerolog.Logger, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: deltavault archive OUT")
		return 2
	}
	if err := a.Archive(ctx, args[0]); err != nil {
		logger.Error().Err(err).Msg("archive failed")
		return 1
	}
	return 0
}

func cmdValidate(ctx context.Context, a *core.Archive, logger zerolog.Logger) int {
	failures, err := a.Validate(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("validate failed")
		return 1
	}
	if len(failures) == 0 {
		fmt.Println("ok")
		return 0
	}
	for _, f := range failures {
		fmt.Printf("blob %d: %s\n", f.BlobID, f.Reason)
	}
	return 1
}

func cmdDebugBlobs(ctx context.Context, a *core.Archive, logger zerolog.Logger) int {
	failures, err := a.CheckConsistency(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("debug-blobs failed")
		return 1
	}
	if len(failures) == 0 {
		fmt.Println("ok")
		return 0
	}
	for _, f := range failures {
		if f.BlobID == 0 {
			fmt.Printf("store: %s\n", f.Reason)
			continue
		}
		fmt.Printf("blob %d: %s\n", f.BlobID, f.Reason)
	}
	return 1
}

func cmdStats(ctx context.Context, a *core.Archive, logger zerolog.Logger) int {
	stats, err := a.Stats(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("stats failed")
		return 1
	}
	fmt.Printf("blobs: %d (roots: %d, deltas: %d)\nstore bytes: %d\n", stats.TotalBlobs, stats.Roots, stats.Deltas, stats.TotalBytes)
	return 0
}

func cmdListFiles(ctx context.Context, a *core.Archive, logger zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("ls-files", flag.ExitOnError)
	genesis := fs.Bool("genesis", false, "include the genesis root")
	roots := fs.Bool("roots", false, "include every root")
	nonRoots := fs.Bool("non-roots", false, "include every delta")
	long := fs.Bool("long", false, "also print each blob's filename")
	fs.Parse(args)

	if !*genesis && !*roots && !*nonRoots {
		names, err := a.ListFiles(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("ls-files failed")
			return 1
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return 0
	}

	paths, blobs, err := a.ListBlobPaths(ctx, core.BlobFilter{Genesis: *genesis, Roots: *roots, NonRoots: *nonRoots})
	if err != nil {
		logger.Error().Err(err).Msg("ls-files failed")
		return 1
	}
	for i, p := range paths {
		if *long {
			fmt.Printf("%s %s\n", p, blobs[i].Filename)
		} else {
			fmt.Println(p)
		}
	}
	return 0
}

func cmdBlobs(ctx context.Context, a *core.Archive, logger zerolog.Logger) int {
	blobs, err := a.Blobs(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("blobs failed")
		return 1
	}
	for _, b := range blobs {
		kind := "root"
		if !b.IsRoot() {
			kind = "delta"
		}
		fmt.Printf("%d\t%s\t%s\t%s\t%d\n", b.ID, kind, b.Filename, b.StoreHash, b.StoreSize)
	}
	return 0
}

func cmdHash(ctx context.Context, a *core.Archive, logger zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("hash", flag.ExitOnError)
	format := fs.String("format", "", "format hint: zip, gzip, xz, zstd, plain")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: deltavault hash FILE [--format FMT]")
		return 2
	}

	hash, size, err := a.Hash(ctx, fs.Arg(0), canon.Format(*format))
	if err != nil {
		logger.Error().Err(err).Msg("hash failed")
		return 1
	}
	fmt.Printf("%s\t%d\n", hash, size)
	return 0
}

