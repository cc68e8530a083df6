// Command teecd runs the authentication broker and the host-side agent
// channels (fs, misc, seclib) as a single daemon, the integration point
// spec.md leaves to a product: the core packages stay library-shaped and
// CLI-free, this binary is the one surface that wires them together.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/opentee/teec/internal/agent"
	"github.com/opentee/teec/internal/broker"
	"github.com/opentee/teec/internal/logger"
	"github.com/opentee/teec/teec"
)

// daemonConfig is teecd's on-disk YAML configuration: the broker's socket
// and declared version, plus the few agent-framework knobs that aren't
// already environment-driven per spec.md §6.
type daemonConfig struct {
	Broker struct {
		SocketPath string `yaml:"socket_path"`
		Major      uint16 `yaml:"major"`
		Minor      uint16 `yaml:"minor"`
	} `yaml:"broker"`

	Agents struct {
		Enabled      bool   `yaml:"enabled"`
		MaxOpenFiles uint64 `yaml:"max_open_files"`
		SecLibRoot   string `yaml:"seclib_root"`
		TimeSyncCron string `yaml:"time_sync_cron"`
	} `yaml:"agents"`
}

func loadConfig(path string) (daemonConfig, error) {
	var cfg daemonConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Agents.MaxOpenFiles == 0 {
		cfg.Agents.MaxOpenFiles = 1024
	}

	if cfg.Agents.TimeSyncCron == "" {
		cfg.Agents.TimeSyncCron = "@every 1h"
	}

	return cfg, nil
}

// Runtime holds every long-lived component teecd owns, replacing the
// package-level mutable state spec.md §9 flags: one struct, constructed
// once in main, passed down explicitly rather than reached for globally.
type Runtime struct {
	cfg    daemonConfig
	broker *broker.Broker
	agents *agent.Group
	fs     *agent.FSAgent
	misc   *agent.MiscAgent
	seclib *agent.SecLibAgent
}

func newRuntime(cfg daemonConfig) *Runtime {
	return &Runtime{
		cfg:    cfg,
		broker: broker.New(broker.Config{SocketPath: cfg.Broker.SocketPath, BrokerMajor: cfg.Broker.Major, BrokerMinor: cfg.Broker.Minor}),
	}
}

func (r *Runtime) runBroker() error {
	if err := r.broker.Listen(); err != nil {
		return fmt.Errorf("broker listen: %w", err)
	}

	logger.Info("broker listening", logger.Ctx{"socket": r.cfg.Broker.SocketPath})

	return r.broker.Serve()
}

func (r *Runtime) runAgents(ctx context.Context) error {
	if !r.cfg.Agents.Enabled {
		return nil
	}

	driver, err := teec.OpenDriver(teec.PrivateDevice)
	if err != nil {
		return fmt.Errorf("open private device for agents: %w", err)
	}

	mapper, err := agent.NewDefaultPathMapper()
	if err != nil {
		return fmt.Errorf("build path mapper: %w", err)
	}

	r.fs, err = agent.NewFSAgent(mapper, r.cfg.Agents.MaxOpenFiles)
	if err != nil {
		return fmt.Errorf("start fs agent: %w", err)
	}

	r.misc = agent.NewMiscAgent(nil)
	r.seclib = agent.NewSecLibAgent(r.cfg.Agents.SecLibRoot)

	group, cancel := agent.NewGroup(ctx)
	r.agents = group

	defer cancel()

	fsChan, err := r.fs.Register(driver)
	if err != nil {
		return fmt.Errorf("register fs channel: %w", err)
	}

	miscChan, err := r.misc.Register(driver)
	if err != nil {
		return fmt.Errorf("register misc channel: %w", err)
	}

	seclibChan, err := r.seclib.Register(driver)
	if err != nil {
		return fmt.Errorf("register seclib channel: %w", err)
	}

	if err := r.misc.StartTimeSync(r.cfg.Agents.TimeSyncCron); err != nil {
		return fmt.Errorf("start time sync: %w", err)
	}

	group.Spawn(fsChan)
	group.Spawn(miscChan)
	group.Spawn(seclibChan)

	logger.Info("agent channels running", logger.Ctx{"fs": true, "misc": true, "seclib": true})

	err = group.Wait()

	r.misc.StopTimeSync()
	r.fs.Close()

	return err
}

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the broker and agent channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			rt := newRuntime(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 2)

			go func() { errCh <- rt.runBroker() }()
			go func() { errCh <- rt.runAgents(ctx) }()

			select {
			case <-ctx.Done():
				_ = rt.broker.Close()
				return nil
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "/etc/teecd/teecd.yaml", "path to the teecd YAML configuration")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print teecd's build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("teecd (opentee client core)")
			return nil
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:   "teecd",
		Short: "TEE client authentication broker and agent daemon",
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		logger.Error("teecd exited with error", logger.Ctx{"error": err.Error()})
		os.Exit(1)
	}
}
