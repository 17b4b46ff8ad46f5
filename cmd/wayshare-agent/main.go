// Package main implements the Way-Share reporting agent: a command-line
// client that submits incident reports, keeps them while the backend is
// unreachable and delivers them once it is back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/WayShare/wayshare-go/internal/agent"
	"github.com/WayShare/wayshare-go/internal/config"
	"github.com/WayShare/wayshare-go/internal/logging"
	"github.com/WayShare/wayshare-go/internal/model"
	"github.com/WayShare/wayshare-go/internal/submit"
	"github.com/WayShare/wayshare-go/internal/syncer"
)

const usage = `usage: wayshare-agent <command> [flags]

commands:
  submit   report an incident (sent now when the backend is reachable, queued otherwise)
  queue    list pending and quarantined reports
  sync     deliver pending reports now
  run      stay running and deliver pending reports whenever the backend is reachable
  reset    discard pending reports and start a new anonymous session
  session  print the current session id
  login    sign in so reports are attributed to an account
  logout   forget stored credentials
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.LoadAgent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "wayshare-agent")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, cfg, logger, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "wayshare-agent %s: %v\n", os.Args[1], err)
		}
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "submit":
		return cmdSubmit(ctx, cfg, logger, args, out)
	case "queue":
		return withRuntime(ctx, cfg, logger, out, syncer.Offline, func(rt *agent.Runtime) error {
			return printQueue(rt, out)
		})
	case "sync":
		return cmdSync(ctx, cfg, logger, out)
	case "run":
		return cmdRun(ctx, cfg, logger, out)
	case "reset":
		return withRuntime(ctx, cfg, logger, out, syncer.Offline, func(rt *agent.Runtime) error {
			id, err := rt.ResetSession(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "new session %s\n", id)
			return nil
		})
	case "session":
		return withRuntime(ctx, cfg, logger, out, syncer.Offline, func(rt *agent.Runtime) error {
			id, err := rt.SessionID(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, id)
			return nil
		})
	case "login":
		return cmdLogin(ctx, cfg, logger, args, out)
	case "logout":
		return withRuntime(ctx, cfg, logger, out, syncer.Offline, func(rt *agent.Runtime) error {
			rt.Tokens.Clear(ctx)
			fmt.Fprintln(out, "signed out")
			return nil
		})
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printer(out io.Writer) syncer.Notifier {
	return syncer.NotifierFunc(func(msg string) { fmt.Fprintln(out, msg) })
}

func withRuntime(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger, out io.Writer, initial syncer.State, fn func(*agent.Runtime) error) error {
	store, err := agent.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	rt, err := agent.Open(ctx, cfg, store, logger, printer(out), initial)
	if err != nil {
		store.Close()
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("failed to close agent store", zap.Error(err))
		}
	}()
	return fn(rt)
}

// reachable probes the backend once for one-shot commands.
func reachable(ctx context.Context, cfg config.AgentConfig) syncer.State {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := submit.NewClient(cfg.APIURL, nil).Ping(ctx); err != nil {
		return syncer.Offline
	}
	return syncer.Online
}

func cmdSubmit(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	incidentType := fs.String("type", "", "incident type, e.g. speeding or pothole")
	subcategory := fs.String("subcategory", "", "optional subcategory")
	plate := fs.String("plate", "", "license plate (required for vehicle incidents)")
	lat := fs.Float64("lat", 0, "latitude")
	lng := fs.Float64("lng", 0, "longitude")
	description := fs.String("description", "", "optional description")
	mediaPath := fs.String("media", "", "optional photo or video to attach")
	offline := fs.Bool("offline", false, "queue without contacting the backend")
	if err := fs.Parse(args); err != nil {
		return err
	}

	draft := model.ReportDraft{
		IncidentType: model.IncidentType(*incidentType),
		Subcategory:  *subcategory,
		LicensePlate: *plate,
		Description:  *description,
	}
	locationSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "lat" || f.Name == "lng" {
			locationSet = true
		}
	})
	if locationSet {
		draft.Location = &model.Location{Lat: *lat, Lng: *lng}
	}
	if *mediaPath != "" {
		m, err := readMedia(*mediaPath)
		if err != nil {
			return err
		}
		draft.Media = m
	}

	state := syncer.Offline
	if !*offline {
		state = reachable(ctx, cfg)
	}
	return withRuntime(ctx, cfg, logger, out, state, func(rt *agent.Runtime) error {
		outcome, err := rt.Submit(ctx, draft)
		if err != nil {
			return err
		}
		switch {
		case outcome.Sent:
			fmt.Fprintf(out, "report %s\n", outcome.ServerID)
		case outcome.Queued:
			fmt.Fprintf(out, "queued %s\n", outcome.PendingID)
			if outcome.Cause != nil {
				fmt.Fprintf(out, "  reason: %v\n", outcome.Cause)
			}
		}
		return nil
	})
}

func readMedia(path string) (*model.Media, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &model.Media{Filename: filepath.Base(path), ContentType: contentType, Data: data}, nil
}

func printQueue(rt *agent.Runtime, out io.Writer) error {
	pending := rt.Pending()
	fmt.Fprintf(out, "%d pending\n", len(pending))
	for _, p := range pending {
		fmt.Fprintf(out, "  %s  %-20s attempts=%d  %s\n", p.ID, p.IncidentType, p.Attempts, p.CreatedAt.Local().Format(time.RFC3339))
		if p.LastError != "" {
			fmt.Fprintf(out, "      last error: %s\n", p.LastError)
		}
	}
	if q := rt.Quarantined(); len(q) > 0 {
		fmt.Fprintf(out, "%d quarantined\n", len(q))
		for _, p := range q {
			fmt.Fprintf(out, "  %s  %-20s %s\n", p.ID, p.IncidentType, p.LastError)
		}
	}
	return nil
}

func cmdSync(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger, out io.Writer) error {
	if reachable(ctx, cfg) == syncer.Offline {
		fmt.Fprintln(out, syncer.MsgOffline)
		return nil
	}
	return withRuntime(ctx, cfg, logger, out, syncer.Online, func(rt *agent.Runtime) error {
		res := rt.Sync(ctx)
		fmt.Fprintf(out, "attempted=%d submitted=%d failed=%d quarantined=%d\n",
			res.Attempted, res.Submitted, res.Failed, res.Quarantined)
		return nil
	})
}

func cmdRun(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger, out io.Writer) error {
	return withRuntime(ctx, cfg, logger, out, syncer.Offline, func(rt *agent.Runtime) error {
		logger.Info("agent running",
			zap.String("api_url", cfg.APIURL),
			zap.Duration("sync_interval", cfg.SyncInterval),
			zap.Duration("probe_interval", cfg.ProbeInterval),
			zap.Int("pending", len(rt.Pending())))

		prober := syncer.NewProber(rt.Client, cfg.ProbeInterval, logger.Named("probe"))
		err := rt.Run(ctx, prober.Run(ctx))
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}

func cmdLogin(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", os.Getenv("WAYSHARE_PASSWORD"), "account password (or WAYSHARE_PASSWORD)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return errors.New("-email and -password are required")
	}
	return withRuntime(ctx, cfg, logger, out, syncer.Offline, func(rt *agent.Runtime) error {
		if err := rt.Tokens.Login(ctx, *email, *password); err != nil {
			return err
		}
		fmt.Fprintln(out, "signed in")
		return nil
	})
}
