// handover runs the graduation handover service and its maintenance tasks.
//
//	handover serve            start the HTTP API
//	handover migrate          apply database migrations
//	handover create-admin     create an admin account
//	handover import-roster    import institutional accounts from a CSV
//	handover scan             issue claim links to graduating students
//	handover delete-account   soft delete an account
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/goliatone/go-print"
	"github.com/spf13/pflag"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-handover"
	"github.com/goliatone/go-handover/activitymap"
	"github.com/goliatone/go-handover/config"
	"github.com/goliatone/go-handover/metrics"
	"github.com/goliatone/go-handover/notifier"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type command func(ctx context.Context, args []string) error

var commands = map[string]command{
	"serve":          serve,
	"migrate":        migrate,
	"create-admin":   createAdmin,
	"import-roster":  importRoster,
	"scan":           scan,
	"delete-account": deleteAccount,
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		printUsage()
		return nil
	}
	if args[0] == "--version" {
		fmt.Println("handover", version)
		return nil
	}

	cmd, ok := commands[args[0]]
	if !ok {
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cmd(ctx, args[1:])
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: handover <command> [flags]

commands:
  serve            start the HTTP API
  migrate          apply database migrations
  create-admin     create an admin account
  import-roster    import institutional accounts from a CSV
  scan             issue claim links to graduating students
  delete-account   soft delete an account`)
}

// globalFlags are accepted by every command and override the environment.
type globalFlags struct {
	driver string
	dsn    string
	debug  bool
}

func (g *globalFlags) add(fs *pflag.FlagSet) {
	fs.StringVar(&g.driver, "db-driver", "", "database driver (sqlite|postgres)")
	fs.StringVar(&g.dsn, "db-dsn", "", "database DSN")
	fs.BoolVar(&g.debug, "debug", false, "print debug output")
}

type application struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *bun.DB
	repo      handover.RepositoryManager
	auth      *handover.Authenticator
	profiles  *handover.Profiles
	handovers *handover.Handovers
	registry  *handover.TokenRegistry
	notifier  handover.Notifier
	sink      handover.ActivitySink
	hasher    handover.PasswordHasher
}

func bootstrap(ctx context.Context, flags globalFlags) (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flags.driver != "" {
		cfg.DBDriver = flags.driver
	}
	if flags.dsn != "" {
		cfg.DBDSN = flags.dsn
	}
	if flags.debug {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}

	logger := newLogger(cfg)
	if cfg.Debug {
		logger.Debug("configuration loaded", "config", print.MaybeSecureJSON(cfg.Masked()))
	}

	db, err := handover.OpenDB(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := handover.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	repo := handover.NewRepositoryManager(db)
	repo.MustValidate()

	hasher := handover.NewBcryptHasher(cfg.BcryptCost)
	sink := handover.MultiActivitySink(activitymap.Sink(logger), metrics.ActivitySink())

	tokens := handover.NewTokenService([]byte(cfg.SigningKey), cfg.AccessTokenTTL, cfg.TokenIssuer, cfg.TokenAudience, logger)
	auth := handover.NewAuthenticator(repo, tokens, hasher).
		WithLogger(logger).
		WithActivitySink(sink).
		WithTimeout(cfg.OperationTimeout)

	n, err := newNotifier(ctx, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	registry := handover.NewTokenRegistry(repo).WithLogger(logger)
	handovers := handover.NewHandovers(repo, registry, auth, hasher).
		WithLogger(logger).
		WithActivitySink(sink).
		WithNotifier(n).
		WithClaimTTL(cfg.ClaimTokenTTL).
		WithLinkBaseURL(cfg.FrontendBaseURL).
		WithNotifyTimeout(cfg.NotifyTimeout).
		WithTimeout(cfg.OperationTimeout)

	profiles := handover.NewProfiles(repo).
		WithLogger(logger).
		WithActivitySink(sink).
		WithTimeout(cfg.OperationTimeout)

	return &application{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		repo:      repo,
		auth:      auth,
		profiles:  profiles,
		handovers: handovers,
		registry:  registry,
		notifier:  n,
		sink:      sink,
		hasher:    hasher,
	}, nil
}

func (a *application) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.IsProduction() {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(h).With("service", "go-handover")
	slog.SetDefault(logger)
	return logger
}

func newNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (handover.Notifier, error) {
	switch cfg.Notifier {
	case config.NotifierOutbox:
		return notifier.NewOutboxNotifier(ctx, notifier.OutboxConfig{
			Bucket:    cfg.OutboxBucket,
			Prefix:    cfg.OutboxPrefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	default:
		return notifier.NewLogNotifier(logger), nil
	}
}

func parse(name string, args []string, setup func(fs *pflag.FlagSet)) (globalFlags, error) {
	var flags globalFlags
	fs := pflag.NewFlagSet("handover "+name, pflag.ContinueOnError)
	flags.add(fs)
	if setup != nil {
		setup(fs)
	}
	return flags, fs.Parse(args)
}

func serve(ctx context.Context, args []string) error {
	var addr string
	flags, err := parse("serve", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&addr, "addr", "", "listen address (overrides HANDOVER_HTTP_ADDR)")
	})
	if err != nil {
		return err
	}

	app, err := bootstrap(ctx, flags)
	if err != nil {
		return err
	}
	defer app.close()
	if addr == "" {
		addr = app.cfg.HTTPAddr
	}

	resetInit := handover.NewInitializePasswordResetHandler(app.repo, app.registry).
		WithLogger(app.logger).
		WithActivitySink(app.sink).
		WithNotifier(app.notifier).
		WithTTL(app.cfg.ResetCodeTTL).
		WithNotifyTimeout(app.cfg.NotifyTimeout).
		WithTimeout(app.cfg.OperationTimeout)
	resetFinalize := handover.NewFinalizePasswordResetHandler(app.repo, app.registry, app.hasher).
		WithLogger(app.logger).
		WithActivitySink(app.sink).
		WithTimeout(app.cfg.OperationTimeout)

	controller := handover.NewHTTPController(app.auth, app.profiles, app.handovers, resetInit, resetFinalize,
		handover.WithControllerLogger(app.logger),
		handover.WithDebug(app.cfg.Debug),
		handover.WithMagicLinkExposure(!app.cfg.IsProduction()),
		handover.WithServiceInfo("go-handover", version),
		handover.WithHistoryLimit(app.cfg.HistoryLimit),
	)

	server := fiber.New(fiber.Config{
		AppName:               "go-handover",
		DisableStartupMessage: true,
		ErrorHandler:          controller.FiberErrorHandler,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          15 * time.Second,
	})
	server.Use(recover.New())
	server.Use(metrics.Middleware())
	server.Get("/metrics", metrics.Handler())
	controller.RegisterRoutes(server)

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("http server listening", "addr", addr)
		errCh <- server.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	app.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.ShutdownWithContext(shutdownCtx)
}

func migrate(ctx context.Context, args []string) error {
	flags, err := parse("migrate", args, nil)
	if err != nil {
		return err
	}
	app, err := bootstrap(ctx, flags)
	if err != nil {
		return err
	}
	defer app.close()
	app.logger.Info("migrations applied", "driver", app.cfg.DBDriver)
	return nil
}

func createAdmin(ctx context.Context, args []string) error {
	var email, password string
	flags, err := parse("create-admin", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&email, "email", "", "admin email")
		fs.StringVar(&password, "password", "", "admin password (or HANDOVER_ADMIN_PASSWORD)")
	})
	if err != nil {
		return err
	}
	if password == "" {
		password = os.Getenv("HANDOVER_ADMIN_PASSWORD")
	}

	app, err := bootstrap(ctx, flags)
	if err != nil {
		return err
	}
	defer app.close()

	var created *handover.Account
	err = handover.NewRegisterAccountHandler(app.repo, app.hasher).
		WithLogger(app.logger).
		WithTimeout(app.cfg.OperationTimeout).
		Execute(ctx, handover.RegisterAccountMessage{
			Email:    email,
			Password: password,
			Role:     handover.RoleAdmin,
			OnResponse: func(account *handover.Account) {
				created = account
			},
		})
	if err != nil {
		return err
	}
	fmt.Printf("admin %s created with id %s\n", created.Email, created.ID)
	return nil
}

func importRoster(ctx context.Context, args []string) error {
	var file string
	flags, err := parse("import-roster", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&file, "file", "", "roster CSV (email,uin,classYear,personalEmail)")
	})
	if err != nil {
		return err
	}
	if file == "" {
		return errors.New("--file is required")
	}

	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := handover.ParseRoster(f)
	if err != nil {
		return err
	}

	app, err := bootstrap(ctx, flags)
	if err != nil {
		return err
	}
	defer app.close()

	report, err := app.handovers.ImportRoster(ctx, rows)
	if err != nil {
		return err
	}
	fmt.Println(print.MaybePrettyJSON(report))
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d roster rows failed", len(report.Failed))
	}
	return nil
}

func scan(ctx context.Context, args []string) error {
	var year int
	flags, err := parse("scan", args, func(fs *pflag.FlagSet) {
		fs.IntVar(&year, "year", time.Now().Year(), "issue links to classes graduating at or before this year")
	})
	if err != nil {
		return err
	}

	app, err := bootstrap(ctx, flags)
	if err != nil {
		return err
	}
	defer app.close()

	report, err := app.handovers.ScanGraduates(ctx, year)
	if err != nil {
		return err
	}
	fmt.Println(print.MaybePrettyJSON(report))
	return nil
}

func deleteAccount(ctx context.Context, args []string) error {
	var email string
	flags, err := parse("delete-account", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&email, "email", "", "account email")
	})
	if err != nil {
		return err
	}
	if email == "" {
		return errors.New("--email is required")
	}

	app, err := bootstrap(ctx, flags)
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.profiles.DeleteAccount(ctx, handover.ActorRef{Type: handover.ActorTypeSystem}, email); err != nil {
		return err
	}
	fmt.Printf("account %s deleted\n", email)
	return nil
}
