// Package statekit provides durable session state, a delta event log,
// and resumable invocations over pluggable storage backends.
//
// A System wires the pieces together: open a backend by URI, and the
// session manager, event log, checkpointer and runner share it.
package statekit

import (
	"fmt"

	"golang.org/x/time/rate"

	"github.com/aixgo-dev/statekit/pkg/checkpoint"
	"github.com/aixgo-dev/statekit/pkg/config"
	"github.com/aixgo-dev/statekit/pkg/eventlog"
	"github.com/aixgo-dev/statekit/pkg/observability"
	"github.com/aixgo-dev/statekit/pkg/runner"
	"github.com/aixgo-dev/statekit/pkg/session"
	"github.com/aixgo-dev/statekit/pkg/store"
)

// System bundles the wired components sharing one storage backend.
type System struct {
	Store    store.Store
	Log      *eventlog.Log
	Sessions session.Manager
	Ckpt     *checkpoint.Checkpointer
}

// Open connects to the backend named by uri (memory://, redis://,
// sqlite://, mongodb://, and firestore:// when that backend package is
// imported) and wires the session manager, event log and checkpointer
// over it. Fails with *store.UnsupportedBackendError for an unknown
// scheme.
func Open(uri string) (*System, error) {
	return OpenWithPolicy(uri, store.DefaultPolicy())
}

// OpenWithPolicy is Open with an explicit transient-failure retry
// policy for store operations.
func OpenWithPolicy(uri string, policy store.Policy) (*System, error) {
	st, err := store.Open(uri)
	if err != nil {
		return nil, err
	}
	st = store.WithRetry(st, policy)

	lg := eventlog.New(st)
	return &System{
		Store:    st,
		Log:      lg,
		Sessions: session.NewManager(st, lg),
		Ckpt:     checkpoint.New(st),
	}, nil
}

// FromConfig builds a System from a loaded configuration, applying its
// backend URI, retry policy and checkpoint retention.
func FromConfig(cfg *config.Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.EnableMetrics {
		observability.InitMetrics()
	}
	policy := store.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	sys, err := OpenWithPolicy(cfg.Backend, policy)
	if err != nil {
		return nil, err
	}
	if cfg.Checkpoint.RetainOnComplete {
		sys.Ckpt = checkpoint.New(sys.Store, checkpoint.WithRetainOnComplete())
	}
	return sys, nil
}

// Runner builds an invocation runner driving the given collaborator
// over this System's components.
func (s *System) Runner(agent runner.Stepper, opts ...runner.Option) *runner.Runner {
	return runner.New(s.Sessions, s.Log, s.Ckpt, agent, opts...)
}

// RunnerFromConfig is Runner with cadence, retry and throttle options
// taken from configuration.
func (s *System) RunnerFromConfig(cfg *config.Config, agent runner.Stepper) *runner.Runner {
	opts := []runner.Option{
		runner.WithCheckpointEvery(cfg.Checkpoint.EveryNSteps),
		runner.WithMaxStepRetries(cfg.Runner.MaxStepRetries),
	}
	if cfg.Runner.StepsPerSecond > 0 {
		burst := cfg.Runner.StepBurst
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, runner.WithStepRate(rate.Limit(cfg.Runner.StepsPerSecond), burst))
	}
	return s.Runner(agent, opts...)
}

// Close closes the session manager and the underlying store.
func (s *System) Close() error {
	if err := s.Sessions.Close(); err != nil {
		return err
	}
	return s.Store.Close()
}
