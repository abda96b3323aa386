package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/haricheung/merlin/internal/bus"
	"github.com/haricheung/merlin/internal/config"
	"github.com/haricheung/merlin/internal/llm"
	"github.com/haricheung/merlin/internal/logging"
	"github.com/haricheung/merlin/internal/lore"
	"github.com/haricheung/merlin/internal/metrics"
	"github.com/haricheung/merlin/internal/puzzle/browser"
	"github.com/haricheung/merlin/internal/puzzle/console"
	"github.com/haricheung/merlin/internal/retry"
	"github.com/haricheung/merlin/internal/roles/auditor"
	"github.com/haricheung/merlin/internal/roles/controller"
	"github.com/haricheung/merlin/internal/roles/strategist"
	"github.com/haricheung/merlin/internal/roles/verifier"
	"github.com/haricheung/merlin/internal/session"
	"github.com/haricheung/merlin/internal/types"
	"github.com/haricheung/merlin/internal/ui"
)

type runFlags struct {
	url         string
	driver      string
	maxAttempts int
	maxLevel    int
	headful     bool
	resume      string
	controlURL  string
	noDisplay   bool
}

func newRunCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one interrogation session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			applyFlags(cmd, cfg, f)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runSession(cmd.Context(), cfg, f)
		},
	}
	cmd.Flags().StringVar(&f.url, "url", "", "puzzle URL (MERLIN_URL)")
	cmd.Flags().StringVar(&f.driver, "driver", "", "puzzle driver: browser or console (MERLIN_DRIVER)")
	cmd.Flags().IntVarP(&f.maxAttempts, "max-attempts", "n", 0, "attempt budget (MERLIN_MAX_ATTEMPTS)")
	cmd.Flags().IntVar(&f.maxLevel, "max-level", 0, "stop after clearing this level (MERLIN_MAX_LEVEL)")
	cmd.Flags().BoolVar(&f.headful, "headful", false, "show the browser window")
	cmd.Flags().StringVar(&f.resume, "resume", "", "continue in an existing session directory")
	cmd.Flags().StringVar(&f.controlURL, "control-url", "", "attach to a running Chrome DevTools endpoint")
	cmd.Flags().BoolVar(&f.noDisplay, "no-display", false, "disable the exchange display")
	return cmd
}

func applyFlags(cmd *cobra.Command, cfg *config.Config, f runFlags) {
	if f.url != "" {
		cfg.URL = f.url
	}
	if f.driver != "" {
		cfg.Driver = f.driver
	}
	if cmd.Flags().Changed("max-attempts") {
		cfg.MaxAttempts = f.maxAttempts
	}
	if cmd.Flags().Changed("max-level") {
		cfg.MaxLevel = f.maxLevel
	}
	if f.headful {
		cfg.Headless = false
	}
}

// puzzleCloser is a Puzzle that owns an external resource.
type puzzleCloser interface {
	types.Puzzle
	Close() error
}

func runSession(parent context.Context, cfg *config.Config, f runFlags) error {
	client := llm.NewTier("STRATEGIST")
	if err := client.Validate(); err != nil {
		return err
	}

	var sess *session.Session
	var err error
	if f.resume != "" {
		sess, err = session.Resume(f.resume, cfg.URL)
	} else {
		sess, err = session.New(cfg.RunsDir, cfg.URL)
	}
	if err != nil {
		return err
	}

	closeLog, err := logging.Setup(os.Stderr, sess.Dir, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	// the console driver cancels the run itself when its human hangs up
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	obsCtx, cancelObs := context.WithCancel(context.Background())
	defer cancelObs()

	b := bus.New()
	m := metrics.New()
	go m.Run(obsCtx, b.NewTap())
	aud := auditor.New(b.Tap(), sess.AuditPath())
	go aud.Run(obsCtx)
	if !f.noDisplay {
		disp := ui.New(b.NewTap(), os.Stdout, readline.IsTerminal(int(os.Stdout.Fd())))
		go disp.Run(obsCtx)
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("[METRICS] listener failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
		slog.Info("[METRICS] serving", "addr", cfg.MetricsAddr)
	}

	var lw controller.LoreWriter
	opts := strategist.Options{FeedbackLines: cfg.FeedbackLines, Seeds: cfg.Profile.Seeds}
	if cfg.LoreDir != "" {
		store, err := lore.Open(cfg.LoreDir)
		if err != nil {
			return err
		}
		defer store.Close()
		scope := store.For(cfg.URL)
		opts.Lore = scope
		lw = scope
	}

	puzzle, err := openPuzzle(ctx, cancelRun, cfg, f)
	if err != nil {
		return err
	}
	defer puzzle.Close()

	strat := strategist.New(client, opts, sess.Transcript, m)
	ver := verifier.New(puzzle, retry.Policy{Interval: cfg.VerifyInterval, Timeout: cfg.VerifyTimeout}, m)
	ctrl := controller.New(puzzle, strat, ver, sess, b, lw, controller.Options{
		MaxAttempts: cfg.MaxAttempts,
		MaxLevel:    cfg.MaxLevel,
		Screenshots: cfg.Driver == config.DriverBrowser,
	})

	log.Printf("[MERLIN] session %s in %s (model %s, driver %s)", sess.ID, sess.Dir, client.Model(), cfg.Driver)
	path, runErr := ctrl.RunSession(ctx)
	st := ctrl.Stopped()
	stats := sess.Transcript.Stats()
	sess.Close(st.Reason, st.Level, st.Attempts)

	// let observers drain the last messages before the process exits
	time.Sleep(200 * time.Millisecond)
	cancelObs()

	fmt.Printf("\nstopped: %s at level %d after %d attempts\n", st.Reason, st.Level, st.Attempts)
	fmt.Printf("llm: %d calls, %d tokens\n", stats.Calls, stats.PromptTokens+stats.CompletionTokens)
	if counts := aud.Counts(); len(counts) > 0 {
		fmt.Printf("audit: %v\n", counts)
	}
	if path != "" {
		fmt.Printf("transcript: %s\n", path)
	}
	if d := b.Dropped(); d > 0 {
		slog.Warn("[BUS] observer messages dropped", "count", d)
	}

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func openPuzzle(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, f runFlags) (puzzleCloser, error) {
	switch cfg.Driver {
	case config.DriverConsole:
		return console.New(console.Config{Stdin: os.Stdin, Stdout: os.Stdout, Cancel: cancel})
	default:
		return browser.Launch(ctx, browser.Options{
			URL:        cfg.URL,
			Headless:   cfg.Headless,
			ControlURL: f.controlURL,
			Selectors:  cfg.Profile.Selectors,
		})
	}
}
