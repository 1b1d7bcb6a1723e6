// Command statekit inspects and exercises a statekit backend: list,
// create and delete sessions, show materialized state, and run a demo
// invocation end to end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aixgo-dev/statekit"
	"github.com/aixgo-dev/statekit/internal/retention"
	"github.com/aixgo-dev/statekit/pkg/config"
	"github.com/aixgo-dev/statekit/pkg/observability"
	"github.com/aixgo-dev/statekit/pkg/runner"
	"github.com/aixgo-dev/statekit/pkg/session"
	"github.com/aixgo-dev/statekit/pkg/store"
	_ "github.com/aixgo-dev/statekit/pkg/store/firestore"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	configFile  = flag.String("config", getEnv("STATEKIT_CONFIG", ""), "Configuration file")
	backend     = flag.String("backend", getEnv("STATEKIT_BACKEND", "memory://"), "State store URI")
	appID       = flag.String("app", "statekit", "Application id")
	userID      = flag.String("user", "", "User id")
	sessionID   = flag.String("session", "", "Session id")
	metricsPort = flag.Int("metrics-port", 0, "Serve Prometheus metrics on this port (0 disables)")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: statekit [flags] <command>

Commands:
  list      List sessions for -app (all users unless -user is set)
  create    Create a session for -app/-user
  delete    Delete a session (-session required)
  show      Print a session's materialized state
  run       Run a demo invocation on a session (creates one if -session is empty)
  resume    Resume a paused or failed invocation (-session required)
  reap      Purge sessions idle longer than the configured retention
  backends  List registered backend schemes

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)

	log.Printf("statekit v%s", Version)

	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	if *backend != "" {
		cfg.Backend = *backend
	}

	if cmd == "backends" {
		for _, s := range store.Schemes() {
			fmt.Println(s)
		}
		return
	}

	sys, err := statekit.FromConfig(cfg)
	if err != nil {
		log.Fatalf("open backend %s: %v", cfg.Backend, err)
	}
	defer sys.Close()

	if cfg.EnableTracing {
		shutdown, err := observability.InitTracing("statekit")
		if err != nil {
			log.Fatalf("init tracing: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				log.Printf("tracing shutdown: %v", err)
			}
		}()
	}

	if *metricsPort > 0 {
		observability.InitMetrics()
		go func() {
			addr := fmt.Sprintf(":%d", *metricsPort)
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler())
			log.Printf("serving metrics on %s/metrics", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, sys, cfg, cmd); err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func dispatch(ctx context.Context, sys *statekit.System, cfg *config.Config, cmd string) error {
	switch cmd {
	case "list":
		var user *string
		if *userID != "" {
			user = userID
		}
		summaries, err := sys.Sessions.List(ctx, *appID, user)
		if err != nil {
			return err
		}
		for _, s := range summaries {
			fmt.Printf("%s\t%s\t%s\tlast active %s\n", s.UserID, s.ID, s.Status, s.LastActiveAt.Format(time.RFC3339))
		}
		return nil

	case "create":
		sess, err := sys.Sessions.Create(ctx, *appID, *userID, *sessionID)
		if err != nil {
			return err
		}
		fmt.Println(sess.ID)
		return nil

	case "delete":
		if *sessionID == "" {
			return fmt.Errorf("-session is required")
		}
		return sys.Sessions.Delete(ctx, *appID, *userID, *sessionID)

	case "show":
		if *sessionID == "" {
			return fmt.Errorf("-session is required")
		}
		sess, err := sys.Sessions.Get(ctx, *appID, *userID, *sessionID)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(sess, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil

	case "run", "resume":
		r := sys.RunnerFromConfig(cfg, demoAgent())
		var events <-chan runner.Event
		var err error
		if cmd == "resume" {
			events, err = r.Resume(ctx, *appID, *userID, *sessionID, nil)
		} else {
			events, err = r.Run(ctx, *appID, *userID, *sessionID, nil)
		}
		if err != nil {
			return err
		}
		return drain(events)

	case "reap":
		reaper := retention.New(sys.Sessions, sys.Ckpt, cfg.Retention.MaxIdle, append(cfg.Retention.Apps, *appID))
		n, err := reaper.Sweep(ctx)
		if err != nil {
			return err
		}
		log.Printf("purged %d sessions", n)
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// demoAgent counts to five, committing one delta per step.
func demoAgent() runner.Stepper {
	return runner.StepperFunc(func(ctx context.Context, req runner.StepRequest) (*runner.StepResult, error) {
		res := &runner.StepResult{
			Delta: map[string]any{
				fmt.Sprintf("step_%d", req.Position): time.Now().UTC().Format(time.RFC3339Nano),
			},
		}
		if req.Position >= 4 {
			res.Done = true
			res.Output = "done"
		}
		return res, nil
	})
}

func drain(events <-chan runner.Event) error {
	for ev := range events {
		switch ev.Type {
		case runner.EventDelta:
			d := ev.Delta
			fmt.Printf("delta\tseq=%d\t%s\n", d.Sequence, session.ScopedKey(d.Scope, d.Key))
		case runner.EventCheckpoint:
			fmt.Printf("checkpoint\tindex=%d\n", ev.CheckpointIndex)
		case runner.EventStatus:
			fmt.Printf("status\t%s", ev.Status)
			if ev.PauseReason != "" {
				fmt.Printf("\treason=%s", ev.PauseReason)
			}
			if ev.Output != "" {
				fmt.Printf("\toutput=%s", ev.Output)
			}
			fmt.Println()
			if ev.Err != nil {
				return ev.Err
			}
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
