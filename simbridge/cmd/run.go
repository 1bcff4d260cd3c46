package cmd

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sarchlab/simbridge/config"
	"github.com/sarchlab/simbridge/sim"
	"github.com/sarchlab/simbridge/simulation"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

var runCmd = &cobra.Command{
	Use:   "run scenario.yaml",
	Short: "Run the peers of a scenario.",
	Long: "`run` loads the configuration from the environment and the given " +
		".env files, installs the nodes of the scenario and runs the " +
		"simulation until the stop time.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := config.LoadScenario(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadRunConfig(cmd, sc)
		if err != nil {
			return err
		}

		s, err := simulation.MakeBuilder().
			WithConfig(cfg).
			WithLogger(newLogger()).
			WithPeerOutput(os.Stdout, os.Stderr).
			Build()
		if err != nil {
			return err
		}

		if trace, _ := cmd.Flags().GetBool("trace-events"); trace {
			s.GetEngine().AcceptHook(
				sim.NewEventLogger(log.New(os.Stderr, "event: ", 0)))
		}

		exitOnSignal()

		if err := s.InstallScenario(sc); err != nil {
			_ = s.Terminate()
			return err
		}

		return s.Run()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	addRunFlags(runCmd)
}

func addRunFlags(c *cobra.Command) {
	c.Flags().StringSlice("env", nil, "Load variables from .env files.")
	c.Flags().Duration("stop", 0, "Stop at this virtual time.")
	c.Flags().String("record", "", "Record the run into this database.")
	c.Flags().Int("monitor", -1,
		"Serve the monitor on this port, 0 for any port.")
	c.Flags().Bool("open", false, "Open the monitor in a browser.")
	c.Flags().Bool("force-clear", false,
		"Remove objects a crashed run left behind.")
	c.Flags().Bool("trace-events", false,
		"Print every time advance and event of the engine.")
}

// loadRunConfig layers the configuration: environment first, then the
// scenario, then the flags given on the command line.
func loadRunConfig(cmd *cobra.Command, sc *config.Scenario) (config.Config, error) {
	envFiles, _ := cmd.Flags().GetStringSlice("env")

	cfg, err := config.LoadEnv(envFiles...)
	if err != nil {
		return cfg, err
	}

	sc.Apply(&cfg)

	flags := cmd.Flags()

	if flags.Changed("stop") {
		d, _ := flags.GetDuration("stop")
		cfg.StopTime = sim.FromDuration(max(d, time.Duration(0)))
	}

	if flags.Changed("record") {
		cfg.RecordPath, _ = flags.GetString("record")
	}

	if flags.Changed("monitor") {
		cfg.MonitorPort, _ = flags.GetInt("monitor")
	}

	if flags.Changed("open") {
		cfg.OpenBrowser, _ = flags.GetBool("open")
	}

	if flags.Changed("force-clear") {
		cfg.ForceClear, _ = flags.GetBool("force-clear")
	}

	return cfg, cfg.Validate()
}

// exitOnSignal runs the exit handlers, which kill the peers and remove the
// shared objects, when the run is interrupted.
func exitOnSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-ch
		atexit.Exit(130)
	}()
}
