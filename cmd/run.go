package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/snowmanjy/ai2qa/api/schemas"
	"github.com/snowmanjy/ai2qa/internal/browser"
	"github.com/snowmanjy/ai2qa/internal/config"
	"github.com/snowmanjy/ai2qa/internal/engine"
	"github.com/snowmanjy/ai2qa/internal/llmclient"
	"github.com/snowmanjy/ai2qa/internal/observability"
	"github.com/snowmanjy/ai2qa/internal/orchestrator"
	"github.com/snowmanjy/ai2qa/internal/planner"
	"github.com/snowmanjy/ai2qa/internal/resilience"
	"github.com/snowmanjy/ai2qa/internal/testrun"
)

// shutdownGrace bounds teardown once the run is over or interrupted.
const shutdownGrace = 30 * time.Second

// runRequest is the validated input of the run command.
type runRequest struct {
	URL     string
	Goals   []string
	Persona schemas.Persona
	Format  string
}

// RunOutcomeError reports a run that ended in any status but COMPLETED, so
// the process exits non-zero.
type RunOutcomeError struct {
	RunID  string
	Status testrun.RunStatus
}

func (e *RunOutcomeError) Error() string {
	return fmt.Sprintf("run %s finished %s", e.RunID, e.Status)
}

// services are the long-lived components behind one invocation.
type services struct {
	engine *engine.Engine

	closeOnce sync.Once
	closers   []func(ctx context.Context) error
}

// onClose registers teardown; closers run in reverse order.
func (s *services) onClose(fn func(ctx context.Context) error) {
	s.closers = append(s.closers, fn)
}

// Close stops the engine and releases every resource. Safe to call twice.
func (s *services) Close(ctx context.Context, logger *zap.Logger) {
	s.closeOnce.Do(func() {
		if s.engine != nil {
			s.engine.Stop()
		}
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](ctx); err != nil {
				logger.Warn("Error during shutdown", zap.Error(err))
			}
		}
	})
}

// servicesBuilder wires the component graph. Tests swap in fakes.
type servicesBuilder func(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*services, error)

// browserSessions adapts the browser manager to the engine's session factory.
type browserSessions struct {
	m *browser.Manager
}

func (b browserSessions) NewSession(ctx context.Context) (engine.Session, error) {
	s, err := b.m.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// buildServices composes pool, resilient client, model router, planner,
// browser manager, optional store, orchestrator and engine.
func buildServices(ctx context.Context, cfg config.Interface, logger *zap.Logger) (_ *services, err error) {
	svc := &services{}
	defer func() {
		if err != nil {
			svc.Close(context.WithoutCancel(ctx), logger)
		}
	}()

	rc := cfg.Resilience()
	pool := resilience.NewPool(rc.PoolSize, logger)
	svc.onClose(pool.Shutdown)
	client := resilience.NewClient(pool, resilience.OptionsFromConfig(rc, cfg.LLM()), logger)

	router, err := llmclient.NewClient(ctx, cfg.LLM(), client, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model client: %w", err)
	}
	p := planner.New(router, resilience.NewBreaker(rc.BreakerFailureThreshold, rc.BreakerCooldown), logger)

	mgr := browser.NewManager(cfg.Browser(), logger)
	svc.onClose(mgr.Shutdown)

	// Persistence is optional; both collaborators must see a nil interface
	// rather than a typed nil when it is off.
	var (
		repo  orchestrator.RunRepository
		saver engine.Store
	)
	s, cleanup, err := storeFactory().Create(ctx, cfg)
	switch {
	case errors.Is(err, errNoDatabase):
		logger.Info("No database configured; run results will not be persisted.")
	case err != nil:
		return nil, err
	default:
		svc.onClose(func(context.Context) error { cleanup(); return nil })
		repo, saver = s, s
	}

	orch, err := orchestrator.New(p, repo, orchestrator.OptionsFromConfig(cfg.Engine()), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	eng, err := engine.New(cfg.Engine(), orch, browserSessions{m: mgr}, saver, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	svc.engine = eng
	return svc, nil
}

func newRunCmd(build servicesBuilder) *cobra.Command {
	var (
		targetURL string
		goals     []string
		persona   string
		timeout   time.Duration
		headless  bool
		format    string
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Plan and execute a browser test against a URL",
		Long: `Turns each --goal into browser steps with the model, executes them in a
headless browser, repairs failing steps and prints the run result.`,
		Example: `  ai2qa run --url https://shop.example --goal "add a product to the cart" --goal "open the checkout"`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(headless)
			}
			if cmd.Flags().Changed("timeout") {
				if timeout <= 0 {
					return fmt.Errorf("--timeout must be positive")
				}
				cfg.SetEngineRunTimeout(timeout)
			}

			req, err := newRunRequest(targetURL, goals, persona, format)
			if err != nil {
				return err
			}

			svc, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return executeRun(ctx, logger, svc, req, cmd.OutOrStdout())
		},
	}

	runCmd.Flags().StringVarP(&targetURL, "url", "u", "", "Target URL to test (required)")
	runCmd.Flags().StringArrayVarP(&goals, "goal", "g", nil, "Natural-language goal; repeat for several (required)")
	runCmd.Flags().StringVarP(&persona, "persona", "p", string(schemas.PersonaStandard), "Tester persona: standard, methodical_auditor, chaotic_explorer, accessibility_advocate")
	runCmd.Flags().DurationVar(&timeout, "timeout", 0, "Wall-clock budget of the run (overrides engine.run_timeout)")
	runCmd.Flags().BoolVar(&headless, "headless", true, "Run the browser without a window (overrides browser.headless)")
	runCmd.Flags().StringVarP(&format, "format", "f", formatText, "Result format: text or json")
	_ = runCmd.MarkFlagRequired("url")
	_ = runCmd.MarkFlagRequired("goal")
	return runCmd
}

// newRunRequest validates the raw flag values.
func newRunRequest(rawURL string, goals []string, persona, format string) (runRequest, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return runRequest{}, fmt.Errorf("invalid --url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return runRequest{}, fmt.Errorf("invalid --url %q: an absolute http(s) URL is required", rawURL)
	}

	var cleaned []string
	for _, g := range goals {
		if g = strings.TrimSpace(g); g != "" {
			cleaned = append(cleaned, g)
		}
	}
	if len(cleaned) == 0 {
		return runRequest{}, errors.New("at least one non-empty --goal is required")
	}

	p := schemas.ParsePersona(persona)
	if want := strings.ToLower(strings.TrimSpace(persona)); want != "" && string(p) != want {
		return runRequest{}, fmt.Errorf("unknown persona %q", persona)
	}

	switch strings.ToLower(format) {
	case formatText, formatJSON:
	default:
		return runRequest{}, fmt.Errorf("unsupported output format %q (want %s or %s)", format, formatText, formatJSON)
	}
	return runRequest{URL: u.String(), Goals: cleaned, Persona: p, Format: format}, nil
}

// executeRun submits one run, waits for it and prints the result. An interrupt
// cancels the run; teardown still completes before the result is printed.
func executeRun(ctx context.Context, logger *zap.Logger, svc *services, req runRequest, out io.Writer) error {
	shutdown := func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		svc.Close(sctx, logger)
	}
	defer shutdown()

	svc.engine.Start(ctx)

	run := testrun.New(req.URL, req.Goals, req.Persona, time.Now())
	if err := svc.engine.Submit(run); err != nil {
		return fmt.Errorf("failed to submit run: %w", err)
	}
	logger.Info("Run submitted",
		zap.String("run_id", run.ID()),
		zap.String("url", req.URL),
		zap.Int("goals", len(req.Goals)),
		zap.String("persona", req.Persona.String()),
	)

	if _, err := svc.engine.Wait(ctx, run.ID()); err != nil {
		logger.Warn("Interrupted; cancelling run", zap.String("run_id", run.ID()), zap.Error(err))
	}
	// Stop waits for the worker, so the run is terminal afterwards.
	shutdown()

	if err := writeRun(out, run, req.Format); err != nil {
		return err
	}
	if st := run.Status(); st != testrun.StatusCompleted {
		return &RunOutcomeError{RunID: run.ID(), Status: st}
	}
	return nil
}
