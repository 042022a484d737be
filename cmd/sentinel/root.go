package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sentinel/internal/sentinel"
	"sentinel/internal/server"
)

type rootFlags struct {
	host       string
	port       int
	configFile string
	verbose    bool

	masterName string
	masterHost string
	masterPort int
	quorum     int
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Monitoring and automatic failover for primary/replica clusters",
		Long: `sentinel watches one or more primaries and their replicas, agrees with its
peers on failures, and promotes a replica when a primary becomes unreachable.
State is kept in the config file and rewritten as the topology changes.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSentinel(flags)
		},
	}

	rootCmd.Flags().StringVar(&flags.host, "host", "0.0.0.0", "address to bind to")
	rootCmd.Flags().IntVar(&flags.port, "port", 26379, "port to listen on")
	rootCmd.Flags().StringVar(&flags.configFile, "config", "sentinel.conf", "sentinel state file")
	rootCmd.Flags().BoolVar(&flags.verbose, "verbose", false, "enable debug logging")
	rootCmd.Flags().StringVar(&flags.masterName, "master-name", "", "name of a master to monitor")
	rootCmd.Flags().StringVar(&flags.masterHost, "master-host", "", "host of the master to monitor")
	rootCmd.Flags().IntVar(&flags.masterPort, "master-port", 6379, "port of the master to monitor")
	rootCmd.Flags().IntVar(&flags.quorum, "quorum", 2, "sentinels that must agree the master is down")

	rootCmd.AddCommand(getVersionCmd())
	return rootCmd
}

func runSentinel(flags *rootFlags) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if flags.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	env, err := server.ReadEnvOverrides(buildEnvMap(os.Environ()))
	if err != nil {
		return fmt.Errorf("invalid environment configuration: %w", err)
	}
	if env.Port.Valid {
		flags.port = int(env.Port.Int64)
	}

	core := sentinel.New(sentinel.Options{
		Logger:     logger,
		ConfigFile: flags.configFile,
		Host:       flags.host,
		Port:       flags.port,
	})

	if err := applyEnvOverrides(core, env); err != nil {
		return err
	}

	if flags.masterName != "" && flags.masterHost != "" {
		err := core.ApplyGlobal("monitor", flags.masterName, flags.masterHost,
			strconv.Itoa(flags.masterPort), strconv.Itoa(flags.quorum))
		if err != nil && err != sentinel.ErrNameExists {
			return fmt.Errorf("cannot monitor %s: %w", flags.masterName, err)
		}
	}

	banner := color.New(color.FgCyan, color.Bold)
	banner.Fprintf(os.Stderr, "sentinel %s listening on %s:%d, id %s\n",
		version, flags.host, flags.port, core.MyID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down")
		cancel()
	}()

	go core.Run(ctx)

	srv := server.New(&server.Config{
		Host:           flags.host,
		Port:           flags.port,
		MaxConnections: 10000,
		ConfigFile:     flags.configFile,
	}, core, logger)
	srv.OnShutdown = cancel

	return srv.Start(ctx)
}

func applyEnvOverrides(core *sentinel.Sentinel, env server.EnvOverrides) error {
	set := func(name, value string) error {
		if err := core.ApplyGlobal(name, value); err != nil {
			return fmt.Errorf("applying %s from environment: %w", name, err)
		}
		return nil
	}

	if env.AnnounceIP.Valid {
		if err := set("announce-ip", env.AnnounceIP.String); err != nil {
			return err
		}
	}
	if env.AnnouncePort.Valid {
		if err := set("announce-port", strconv.FormatInt(env.AnnouncePort.Int64, 10)); err != nil {
			return err
		}
	}
	if env.AnnounceHostnames.Valid {
		if err := set("announce-hostnames", yesno(env.AnnounceHostnames.Bool)); err != nil {
			return err
		}
	}
	if env.ResolveHostnames.Valid {
		if err := set("resolve-hostnames", yesno(env.ResolveHostnames.Bool)); err != nil {
			return err
		}
	}
	if env.DenyScriptsReconfig.Valid {
		if err := set("deny-scripts-reconfig", yesno(env.DenyScriptsReconfig.Bool)); err != nil {
			return err
		}
	}
	return nil
}

func yesno(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func buildEnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if idx := strings.IndexRune(kv, '='); idx != -1 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}
	return env
}
