// Command agent runs a reference worker: it registers with a conductor,
// streams heartbeats over WebSocket and accepts subtask assignments. With
// --simulate-completion it reports every assignment as completed after a
// delay, which is enough to exercise a full conductor deployment without
// real tools attached.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dev.helix.conductor/internal/agent"
	"dev.helix.conductor/internal/version"
	"dev.helix.conductor/pkg/api"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		serverURL string
		machineID string
		hostname  string
		tools     []string
		tags      []string
		onPrem    bool
		heartbeat time.Duration
		simulate  time.Duration
		stateDir  string
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Reference worker agent for conductor",
		Long: `agent registers this machine as a worker, advertises its tools and
capabilities, and holds a heartbeat stream open so the conductor can assign
subtasks and observe host pressure.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(serverURL, machineID, hostname, tools, tags, onPrem,
				heartbeat, simulate, stateDir, logLevel)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "conductor base URL")
	cmd.Flags().StringVar(&machineID, "machine-id", "", "stable machine identity (default: host machine-id, minted if absent)")
	cmd.Flags().StringVar(&hostname, "hostname", "", "advertised hostname (default: os hostname)")
	cmd.Flags().StringArrayVar(&tools, "tool", nil, "tool spec as name[:cap1,cap2], repeatable")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "worker tag, repeatable")
	cmd.Flags().BoolVar(&onPrem, "on-prem", false, "mark this worker as on-premises for sensitive tasks")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 0, "heartbeat fallback cadence (0: server-assigned)")
	cmd.Flags().DurationVar(&simulate, "simulate-completion", 0, "report assignments completed after this delay (0: off)")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "directory for the minted machine id (default: user config dir)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Get()
			fmt.Printf("agent %s\n%s\n", color.CyanString(info.Version), info.String())
		},
	})

	return cmd
}

func run(serverURL, machineID, hostname string, tools, tags []string, onPrem bool,
	heartbeat, simulate time.Duration, stateDir, logLevel string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if machineID == "" {
		machineID, err = agent.MachineID(stateDir)
		if err != nil {
			return fmt.Errorf("resolving machine id: %w", err)
		}
	}
	if hostname == "" {
		hostname, err = os.Hostname()
		if err != nil {
			return fmt.Errorf("resolving hostname: %w", err)
		}
	}

	specs, err := parseTools(tools)
	if err != nil {
		return err
	}

	a, err := agent.New(agent.Config{
		ServerURL:         serverURL,
		MachineID:         machineID,
		Hostname:          hostname,
		Tools:             specs,
		Tags:              tags,
		OnPrem:            onPrem,
		HeartbeatInterval: heartbeat,
		SimulateAfter:     simulate,
	}, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// parseTools turns repeated name[:cap1,cap2] flags into tool specs.
func parseTools(raw []string) ([]api.ToolSpec, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one --tool is required")
	}
	specs := make([]api.ToolSpec, 0, len(raw))
	for _, item := range raw {
		name, caps, _ := strings.Cut(item, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("invalid --tool %q: empty name", item)
		}
		spec := api.ToolSpec{Name: name}
		for _, capability := range strings.Split(caps, ",") {
			if capability = strings.TrimSpace(capability); capability != "" {
				spec.Capabilities = append(spec.Capabilities, capability)
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
