package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aaronromeo/idlewatch/internal/announce"
	"github.com/aaronromeo/idlewatch/internal/config"
	"github.com/aaronromeo/idlewatch/internal/imapconn"
	"github.com/aaronromeo/idlewatch/internal/listener"
	"github.com/aaronromeo/idlewatch/internal/status"
	"github.com/aaronromeo/idlewatch/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "idlewatch",
		Usage:   "watch an IMAP mailbox for new mail using IDLE",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the YAML settings file",
				EnvVars: []string{"IDLEWATCH_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "dotenv file with connection secrets",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "listen",
				Usage:  "run the listener until interrupted",
				Action: runListen,
			},
			{
				Name:   "check-config",
				Usage:  "validate settings and environment, then print a summary",
				Action: runCheckConfig,
			},
		},
	}
}

func loadEnvFile(c *cli.Context) error {
	path := c.String("env-file")
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func runCheckConfig(c *cli.Context) error {
	if err := loadEnvFile(c); err != nil {
		return err
	}
	settings, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	if _, err := config.IMAPEnvFromEnv(); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, config.Summary(settings))
	return nil
}

func runListen(c *cli.Context) error {
	if err := loadEnvFile(c); err != nil {
		return err
	}
	settings, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	imapEnv, err := config.IMAPEnvFromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg := telemetry.Config{
		Endpoint: config.OTLPEndpoint(),
		Stdout:   config.OTelStdout(),
		Version:  version,
	}
	shutdown, err := telemetry.Setup(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = shutdown(context.Background())
	}()

	var logger *slog.Logger
	if tcfg.Enabled() {
		logger = slog.New(telemetry.NewLogHandler())
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.LogLevel(),
		}))
	}

	stats := listener.NewStats()
	dispatcher := listener.NewDispatcher(logger, listener.WithDispatcherStats(stats))
	dispatcher.Register(logHandler(logger, settings.MarkSeen))
	if url := config.WebhookURL(); url != "" {
		dispatcher.Register(announce.New(announce.WithWebhookURL(url)))
	}

	opts := []listener.Option{
		listener.WithSessionFactory(func() listener.Session {
			return &imapconn.Session{
				Host:     imapEnv.Host,
				Port:     imapEnv.Port,
				Username: imapEnv.User,
				Password: imapEnv.Pass,
				Mailbox:  settings.Mailbox,
				Log:      logger,
			}
		}),
		listener.WithDispatcher(dispatcher),
		listener.WithLogger(logger),
		listener.WithStats(stats),
		listener.WithIdleDuration(settings.IdleDuration()),
		listener.WithAckTimeout(settings.AckTimeoutDuration()),
		listener.WithCoalesceWindow(settings.CoalesceWindowDuration()),
		listener.WithBackoff(settings.BackoffInitialDuration(), settings.BackoffMaxDuration()),
	}
	if settings.SweepUnseen {
		opts = append(opts, listener.WithUnseenSweep())
	}
	l, err := listener.New(opts...)
	if err != nil {
		return err
	}

	if addr := settings.StatusAddr; addr != "" {
		srv := status.New(stats, logger)
		go func() {
			if err := srv.Listen(addr); err != nil {
				logger.Error("status server stopped", "error", err)
			}
		}()
		defer func() {
			_ = srv.Shutdown()
		}()
	}

	logger.Info("starting IMAP IDLE listener",
		"host", imapEnv.Host, "mailbox", settings.Mailbox,
		"check_frequency", settings.IdleDuration())
	return l.Run(ctx)
}

// logHandler is the default handler: it records each message and
// optionally marks it read, mirroring what a downstream processor would
// do with the capability.
func logHandler(logger *slog.Logger, markSeen bool) listener.Handler {
	return listener.HandlerFunc(func(ctx context.Context, msg *listener.Message, h *listener.Handle) error {
		logger.Info("processing message",
			"seq", msg.SeqNum, "from", msg.From, "subject", msg.Subject)
		if markSeen {
			return h.MarkSeen(ctx, msg.Reference)
		}
		return nil
	})
}
