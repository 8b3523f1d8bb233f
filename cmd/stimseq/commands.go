package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"go-stimulus/clock"
	"go-stimulus/config"
	"go-stimulus/debug"
	"go-stimulus/midi"
	"go-stimulus/screen"
	"go-stimulus/session"
	"go-stimulus/store"
	"go-stimulus/trial"
)

var (
	skipSetup    bool
	skipFamiliar bool
	skipResting  bool

	ordersForce bool
	ordersSeed  uint64

	screenCycles int
	qcSession    int64
	configForce  bool
)

type sessionBody func(ctx context.Context, ctrl *session.Controller, r *rig) error

// withSession opens the rig and the operator frontend around body. Orders
// are loaded, or generated on first use, only when withOrders is set.
func withSession(withOrders bool, body sessionBody) error {
	cfg, dir, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fe := newFrontend()
	r, err := openRig(ctx, cfg, dir, fe.log)
	if err != nil {
		return err
	}
	defer r.Close()

	var orders *session.Orders
	if withOrders {
		if orders, err = loadOrders(cfg, r.Installed(), r.log); err != nil {
			return err
		}
	}
	deps := session.Deps{
		Orchestrator: r.orch,
		Orders:       orders,
		Gate:         fe.Gate(),
		Screen:       r.display,
		Log:          r.log,
	}
	if r.window != nil {
		deps.Gate = windowGate{Gate: deps.Gate, window: r.window}
		deps.Pictograms = r.window.Layout()
	}
	ctrl := session.New(deps, session.Config{Shape: shapeOf(cfg), Resting: cfg.Timing.Resting.D()})

	fe.attach(ctx, stop, ctrl, r)
	defer fe.stop()

	err = body(ctx, ctrl, r)
	logSummary(r)
	switch {
	case errors.Is(err, session.ErrAborted):
		r.log.Warn("session aborted by the operator")
	case errors.Is(err, context.Canceled):
		r.log.Warn("session interrupted")
	case err != nil:
		r.log.Error("session failed", "err", err)
	}
	return err
}

func shapeOf(cfg *config.Config) session.Shape {
	return session.Shape{
		Blocks:  cfg.Session.Blocks,
		Runs:    cfg.Session.Runs,
		Trials:  cfg.Session.Trials,
		Objects: len(cfg.Session.Objects),
	}
}

// loadOrders reads the order tables, generating and saving them if the
// directory has none yet.
func loadOrders(cfg *config.Config, conditions []int, log *slog.Logger) (*session.Orders, error) {
	dir := cfg.Session.OrdersDir
	orders, err := session.LoadOrders(dir)
	if errors.Is(err, fs.ErrNotExist) {
		orders, err = session.Generate(cfg.Session.Seed, shapeOf(cfg), conditions)
		if err != nil {
			return nil, err
		}
		if err := orders.Save(dir); err != nil {
			return nil, fmt.Errorf("failed to save orders: %w", err)
		}
		log.Info("generated order tables", "dir", dir, "seed", cfg.Session.Seed)
		return orders, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", err)
	}
	return orders, nil
}

func logSummary(r *rig) {
	qc, err := r.store.Summary(context.Background(), r.session)
	if err != nil {
		r.log.Warn("qc summary failed", "err", err)
		return
	}
	for _, c := range qc {
		r.log.Info("qc", "condition", conditionName(c.Condition), "trials", c.Trials, "steps", c.Steps,
			"invalid", c.Invalid, "overruns", c.Overruns, "slips", c.Slips,
			"max_lateness", c.MaxLateness, "aborted", c.Aborted)
	}
}

func conditionName(id int) string {
	c, err := trial.Standard(id)
	if err != nil {
		return strconv.Itoa(id)
	}
	return c.Name
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full recording protocol",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(true, func(ctx context.Context, ctrl *session.Controller, r *rig) error {
				if !skipSetup {
					if err := setupChecks(ctx, ctrl, r); err != nil {
						return err
					}
				}
				if !skipFamiliar {
					if err := familiarize(ctx, ctrl, r.Installed()); err != nil {
						return err
					}
				}
				if err := ctrl.Gate.Confirm(ctx, "Start experiment?"); err != nil {
					return err
				}
				if !skipResting {
					if err := ctrl.RestingState(ctx); err != nil {
						return err
					}
				}
				return ctrl.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&skipSetup, "skip-setup", false, "skip the light, sensor, speaker and screen checks")
	cmd.Flags().BoolVar(&skipFamiliar, "skip-familiarization", false, "skip familiarization runs")
	cmd.Flags().BoolVar(&skipResting, "skip-resting", false, "skip the resting-state recordings")
	return cmd
}

func newFamiliarizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "familiarize [condition...]",
		Short: "Play familiarization runs",
		Long:  "Play one run over every object for each condition (all installed ones by default), until the operator stops.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int, 0, len(args))
			for _, a := range args {
				id, err := trial.ParseCondition(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return withSession(false, func(ctx context.Context, ctrl *session.Controller, r *rig) error {
				if len(ids) == 0 {
					ids = r.Installed()
				}
				for _, id := range ids {
					if r.orch.Condition(id) == nil {
						return fmt.Errorf("condition %s is not installed", conditionName(id))
					}
				}
				return familiarize(ctx, ctrl, ids)
			})
		},
	}
}

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Align lights, place the photodiode and check speakers and screen",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(false, setupChecks)
		},
	}
}

func newRestingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resting",
		Short: "Record the eyes-open and eyes-closed baselines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(false, func(ctx context.Context, ctrl *session.Controller, _ *rig) error {
				return ctrl.RestingState(ctx)
			})
		},
	}
}

// setupChecks runs the light and sensor check, plays a description for the
// speaker check and, with a window, the screen timing test.
func setupChecks(ctx context.Context, ctrl *session.Controller, r *rig) error {
	if err := ctrl.SetupCheck(ctx); err != nil {
		return err
	}
	r.orch.Describe(trial.Scene)
	if err := ctrl.Gate.Confirm(ctx, "Did the description play on the speakers?"); err != nil {
		return err
	}
	if r.window == nil {
		return nil
	}
	st, err := screen.TimingTest(r.clock, r.window, len(r.cfg.Session.Objects), 1)
	if hideErr := r.display.Hide(); hideErr != nil {
		r.log.Warn("screen hide failed", "err", hideErr)
	}
	if err != nil {
		return fmt.Errorf("screen timing test: %w", err)
	}
	r.log.Info("screen timing test", "stats", st.String())
	return ctrl.Gate.Confirm(ctx, "Screen timing: "+st.String()+". Continue?")
}

// familiarize repeats a run per condition until the operator declines.
func familiarize(ctx context.Context, ctrl *session.Controller, ids []int) error {
	for {
		for _, id := range ids {
			if err := ctrl.Familiarize(ctx, id); err != nil {
				return err
			}
		}
		err := ctrl.Gate.Confirm(ctx, "Continue familiarization?")
		if errors.Is(err, session.ErrAborted) && ctx.Err() == nil {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func newOrdersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Generate balanced trial and pictogram order tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			dir := cfg.Session.OrdersDir
			if _, err := os.Stat(filepath.Join(dir, session.TrialOrdersFile)); err == nil && !ordersForce {
				return fmt.Errorf("%s already has order tables, use --force to replace them", dir)
			}
			conds, err := cfg.ConditionList()
			if err != nil {
				return err
			}
			ids := make([]int, len(conds))
			for i, c := range conds {
				ids[i] = c.ID
			}
			seed := cfg.Session.Seed
			if cmd.Flags().Changed("seed") {
				seed = ordersSeed
			}
			orders, err := session.Generate(seed, shapeOf(cfg), ids)
			if err != nil {
				return err
			}
			if err := orders.Save(dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s to %s (seed %d)\n",
				session.TrialOrdersFile, session.PictogramOrdersFile, dir, seed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&ordersForce, "force", false, "replace existing tables")
	cmd.Flags().Uint64Var(&ordersSeed, "seed", 0, "seed instead of session.seed")
	return cmd
}

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial and MIDI ports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			serialPorts, err := serial.GetPortsList()
			if err != nil {
				fmt.Fprintln(out, "serial:", err)
			}
			fmt.Fprintln(out, "Serial ports:")
			for _, p := range serialPorts {
				fmt.Fprintf(out, "  %s\n", p)
			}

			ports, err := midi.ListPorts(3 * time.Second)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "MIDI inputs:")
			for i, p := range ports.In {
				fmt.Fprintf(out, "  [%d] %s\n", i, p.String())
			}
			fmt.Fprintln(out, "MIDI outputs:")
			for i, p := range ports.Out {
				fmt.Fprintf(out, "  [%d] %s\n", i, p.String())
			}
			return nil
		},
	}
}

func newScreenTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "screen-test",
		Short: "Measure flip intervals of the stimulus window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			log := debug.New(os.Stderr, cfg.Log.Level)
			w, err := screen.Open(cfg.WindowConfig(), log)
			if err != nil {
				return err
			}
			defer w.Close()
			st, err := screen.TimingTest(clock.New(cfg.SpinThreshold()), w, len(cfg.Session.Objects), screenCycles)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().IntVar(&screenCycles, "cycles", 5, "length of each flip pattern in seconds")
	return cmd
}

func newQCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qc",
		Short: "Show timing quality of a recorded session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, dir, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.StorePath(dir))
			if err != nil {
				return fmt.Errorf("failed to open qc store: %w", err)
			}
			defer st.Close()

			ctx := cmd.Context()
			id := qcSession
			if id == 0 {
				if id, err = st.LastSession(ctx); err != nil {
					return err
				}
				if id == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no sessions recorded")
					return nil
				}
			}
			qc, err := st.Summary(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderQC(id, qc))
			return nil
		},
	}
	cmd.Flags().Int64Var(&qcSession, "session", 0, "session id (default: the most recent)")
	return cmd
}

func renderQC(id int64, qc []store.ConditionQC) string {
	header := lipgloss.NewStyle().Bold(true)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("condition", "trials", "steps", "invalid", "overruns", "slips", "max late", "aborted").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return lipgloss.NewStyle()
		})
	for _, c := range qc {
		t.Row(conditionName(c.Condition),
			strconv.Itoa(c.Trials), strconv.Itoa(c.Steps), strconv.Itoa(c.Invalid),
			strconv.Itoa(c.Overruns), strconv.Itoa(c.Slips),
			c.MaxLateness.String(), strconv.Itoa(c.Aborted))
	}
	return fmt.Sprintf("session %d\n%s", id, t.Render())
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialize the config file",
	}
	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), configPath)
			return nil
		},
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default lab protocol to the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(configPath); err == nil && !configForce {
				return fmt.Errorf("%s exists, use --force to overwrite it", configPath)
			}
			if err := config.DefaultConfig().Save(configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	cmd.AddCommand(pathCmd, initCmd)
	return cmd
}
