package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"water-simulator/internal/config"
	"water-simulator/internal/network"
	"water-simulator/internal/report"
	"water-simulator/internal/session"
	"water-simulator/internal/telemetry"
)

var (
	runConfigPath  string
	runNetworkFile string
	runDuration    time.Duration
	runHydStep     time.Duration
	runReportStep  time.Duration
	runListen      string
	runNoTelemetry bool
	runReportDir   string
	runDBPath      string
	runLogLevel    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a hydraulic simulation",
	RunE:  runSimulation,
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "YAML configuration file")
	runCmd.Flags().StringVarP(&runNetworkFile, "network", "n", "", "network description file")
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "override simulation duration")
	runCmd.Flags().DurationVar(&runHydStep, "hyd-step", 0, "override hydraulic timestep")
	runCmd.Flags().DurationVar(&runReportStep, "report-step", 0, "override report step")
	runCmd.Flags().StringVar(&runListen, "listen", "", "telemetry listen address")
	runCmd.Flags().BoolVar(&runNoTelemetry, "no-telemetry", false, "disable the Modbus endpoint")
	runCmd.Flags().StringVar(&runReportDir, "report-dir", "", "report output directory")
	runCmd.Flags().StringVar(&runDBPath, "db", "", "SQLite run store path")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd)
}

func runSimulation(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if runConfigPath != "" {
		var err error
		cfg, err = config.LoadYAML(runConfigPath)
		if err != nil {
			return err
		}
	}
	applyRunFlags(&cfg)

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q", cfg.Log.Level)
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "run")

	if cfg.Network.File == "" {
		return fmt.Errorf("no network file given (flag --network or config network.file)")
	}
	model, err := network.LoadFile(cfg.Network.File)
	if err != nil {
		return err
	}
	applyModelOverrides(model, &cfg)

	sink, store, err := buildSinks(&cfg)
	if err != nil {
		return err
	}
	if store != nil {
		name := filepath.Base(cfg.Network.File)
		if err := store.BeginRun(name, cfg.Network.File, time.Now()); err != nil {
			return err
		}
	}

	pub := telemetry.NewPublisher(model, logrus.WithField("component", "telemetry"))
	var bridge *telemetry.Bridge
	if cfg.Telemetry.Enabled && !runNoTelemetry {
		bridge = telemetry.NewBridge(model, pub, logrus.WithField("component", "telemetry"))
		if err := bridge.Listen(cfg.Telemetry.Listen); err != nil {
			return fmt.Errorf("telemetry listen: %w", err)
		}
		defer bridge.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := session.New(model, pub, sink, log, session.Options{
		DrainWait: cfg.Telemetry.DrainWait,
	})
	sum, runErr := sess.Run(ctx)

	if store != nil {
		_ = store.FinishRun(sum.State.String(), time.Now())
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			log.WithError(err).Warn("closing report sinks")
		}
	}

	printSummary(cmd, sum)
	return runErr
}

func applyRunFlags(cfg *config.RootConfig) {
	if runNetworkFile != "" {
		cfg.Network.File = runNetworkFile
	}
	if runDuration > 0 {
		cfg.Times.Duration = runDuration
	}
	if runHydStep > 0 {
		cfg.Times.HydStep = runHydStep
	}
	if runReportStep > 0 {
		cfg.Times.ReportStep = runReportStep
	}
	if runListen != "" {
		cfg.Telemetry.Listen = runListen
		cfg.Telemetry.Enabled = true
	}
	if runReportDir != "" {
		cfg.Report.Dir = runReportDir
		cfg.Report.Enabled = true
	}
	if runDBPath != "" {
		cfg.Report.DBPath = runDBPath
		cfg.Report.Enabled = true
	}
	if runLogLevel != "" {
		cfg.Log.Level = runLogLevel
	}
}

// applyModelOverrides pushes non-zero config values over the model's own
// [TIMES]/[OPTIONS] sections.
func applyModelOverrides(m *network.Model, cfg *config.RootConfig) {
	if cfg.Times.Duration > 0 {
		m.Times.Duration = cfg.Times.Duration
	}
	if cfg.Times.HydStep > 0 {
		m.Times.HydStep = cfg.Times.HydStep
	}
	if cfg.Times.ReportStep > 0 {
		m.Times.ReportStep = cfg.Times.ReportStep
	}
	if cfg.Solver.Accuracy > 0 {
		m.Options.Accuracy = cfg.Solver.Accuracy
	}
	if cfg.Solver.Trials > 0 {
		m.Options.Trials = cfg.Solver.Trials
	}
	switch cfg.Solver.Unbalanced {
	case "stop":
		m.Options.Unbalanced = network.UnbalancedStop
	case "continue":
		m.Options.Unbalanced = network.UnbalancedContinue
		if cfg.Solver.ExtraTrials > 0 {
			m.Options.ExtraTrials = cfg.Solver.ExtraTrials
		}
	}
}

func buildSinks(cfg *config.RootConfig) (report.Sink, *report.Store, error) {
	if !cfg.Report.Enabled {
		return nil, nil, nil
	}
	var sinks report.MultiSink
	storage, err := report.NewStorage(cfg.Report.Dir, cfg.Report.FileType, cfg.Report.MaxQueue)
	if err != nil {
		return nil, nil, err
	}
	sinks = append(sinks, storage)

	var store *report.Store
	if cfg.Report.DBPath != "" {
		store, err = report.OpenStore(cfg.Report.DBPath)
		if err != nil {
			storage.Close()
			return nil, nil, err
		}
		sinks = append(sinks, store)
	}
	return sinks, store, nil
}

func printSummary(cmd *cobra.Command, sum *session.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "state:    %s\n", sum.State)
	fmt.Fprintf(out, "steps:    %d\n", sum.Steps)
	fmt.Fprintf(out, "records:  %d\n", sum.Records)
	fmt.Fprintf(out, "duration: %s\n", network.FormatDuration(sum.Duration))
	if len(sum.PumpEnergy) > 0 {
		ids := make([]string, 0, len(sum.PumpEnergy))
		for id := range sum.PumpEnergy {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(out, "pump %s:  %.2f kWh\n", id, sum.PumpEnergy[id])
		}
		fmt.Fprintf(out, "energy cost: %.2f\n", sum.EnergyCost)
	}
}
