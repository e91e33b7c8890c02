// Command flowcards runs the study server and provides import, export
// and sync operations from the command line.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/conorfennell/flowcards/internal/apkg"
	"github.com/conorfennell/flowcards/internal/auth"
	"github.com/conorfennell/flowcards/internal/config"
	"github.com/conorfennell/flowcards/internal/couch"
	"github.com/conorfennell/flowcards/internal/domain"
	"github.com/conorfennell/flowcards/internal/pkgsource"
	"github.com/conorfennell/flowcards/internal/storage"
	"github.com/conorfennell/flowcards/internal/syncer"
	"github.com/conorfennell/flowcards/internal/web"
)

const usage = `usage: flowcards [flags] <command>

commands:
  serve                 run the API server (default)
  import <file.apkg>    import a card package
  export <file.json>    export the user's data to a snapshot file
  restore <file.json>   import a snapshot file (--merge to merge)
  sync                  run a full sync against the remote store
  source-add <path>     register a package source (--git for a repository)
  source-import         scan all sources and import their packages
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("flowcards failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	defaults := config.Default()
	flags := pflag.NewFlagSet("flowcards", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	configPath := flags.StringP("config", "c", "", "path to a YAML config file")
	username := flags.StringP("user", "u", web.LocalUser, "account to operate on")
	merge := flags.Bool("merge", false, "merge instead of replace when restoring")
	isGit := flags.Bool("git", false, "register the source as a git repository")
	flags.String("listen_addr", defaults.ListenAddr, "address the API server listens on")
	flags.String("database_path", defaults.DatabasePath, "path to the local database file")
	flags.String("log_level", defaults.LogLevel, "log level (debug|info|warn|error)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	syncSvc := syncer.NewService(db)
	sources := pkgsource.NewManager(db, cfg.Sources.Dir)

	var authSvc *auth.Service
	if cfg.Remote.URL != "" {
		client, err := couch.NewClient(domain.RemoteDBConfig{
			URL: cfg.Remote.URL, Database: cfg.Remote.Database,
			User: cfg.Remote.User, Pass: cfg.Remote.Pass,
		})
		if err != nil {
			return err
		}
		authSvc = auth.NewService(client)
	}

	cmd := "serve"
	if rest := flags.Args(); len(rest) > 0 {
		cmd = rest[0]
	}

	ctx := context.Background()
	switch cmd {
	case "serve":
		return serve(cfg, db, syncSvc, sources, authSvc)
	case "import":
		return importPackage(ctx, db, *username, arg(flags, 1, "package file"))
	case "export":
		return syncSvc.ExportToFile(*username, arg(flags, 1, "output file"))
	case "restore":
		mode := syncer.ModeReplace
		if *merge {
			mode = syncer.ModeMerge
		}
		return syncSvc.ImportFromFile(*username, arg(flags, 1, "snapshot file"), mode)
	case "sync":
		return runSync(ctx, cfg, syncSvc, *username)
	case "source-add":
		typ := pkgsource.TypeDir
		if *isGit {
			typ = pkgsource.TypeGit
		}
		_, err := sources.Add(arg(flags, 1, "source path"), typ)
		return err
	case "source-import":
		n, err := sources.ImportAll(ctx, *username)
		if err != nil {
			return err
		}
		slog.Info("source import complete", "decks", n)
		return nil
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// arg returns the nth positional argument or exits with a usage error.
func arg(flags *pflag.FlagSet, n int, what string) string {
	rest := flags.Args()
	if len(rest) <= n {
		fmt.Fprintf(os.Stderr, "missing %s argument\n", what)
		flags.Usage()
		os.Exit(2)
	}
	return rest[n]
}

func setupLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func serve(cfg config.Config, db *storage.DB, syncSvc *syncer.Service, sources *pkgsource.Manager, authSvc *auth.Service) error {
	server := web.NewServer(db, syncSvc, sources, authSvc, cfg)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("listening", "addr", cfg.ListenAddr)
	return httpServer.ListenAndServe()
}

func importPackage(ctx context.Context, db *storage.DB, username, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open package: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat package: %w", err)
	}

	count := 0
	onProgress := func(stage string, percent int, detail string) {
		slog.Debug("import progress", "stage", stage, "percent", percent, "detail", detail)
	}
	err = apkg.DecodeStreaming(ctx, f, info.Size(), onProgress, func(_ context.Context, deck domain.Deck) error {
		if err := db.SaveDecks(username, []domain.Deck{deck}); err != nil {
			return err
		}
		count++
		slog.Info("imported deck", "name", deck.Name, "cards", len(deck.Cards))
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("import complete", "decks", count)
	return nil
}

func runSync(ctx context.Context, cfg config.Config, syncSvc *syncer.Service, username string) error {
	if cfg.Remote.URL == "" {
		return fmt.Errorf("no remote store configured; set remote.url in config or FLOWCARDS_REMOTE__URL")
	}
	client, err := couch.NewClient(domain.RemoteDBConfig{
		URL: cfg.Remote.URL, Database: cfg.Remote.Database,
		User: cfg.Remote.User, Pass: cfg.Remote.Pass,
	})
	if err != nil {
		return err
	}
	return syncSvc.SmartSync(ctx, username, client)
}
