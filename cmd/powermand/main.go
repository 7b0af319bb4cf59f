// Powermand - remote power management daemon
//
// Powermand controls networked power-distribution hardware (intelligent
// power strips, remote power controllers) on behalf of cluster operators.
// It accepts line-oriented client requests ("turn these nodes on", "what
// state are they in") and translates them into the per-device scripted
// dialogues described in its configuration file.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sjthespian/powerman/pkg/server"
	"github.com/sjthespian/powerman/pkg/spec"
	"github.com/sjthespian/powerman/pkg/util"
	"github.com/sjthespian/powerman/pkg/version"
)

var (
	configPath string
	logLevel   string
	jsonLogs   bool
)

var rootCmd = &cobra.Command{
	Use:     "powermand",
	Short:   "Remote power management daemon",
	Version: version.Version + " (" + version.GitCommit + ")",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/powerman/powerman.yml", "configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "log in JSON format")
}

func run() error {
	raw, err := spec.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", configPath, err)
	}
	cfg, err := raw.Compile()
	if err != nil {
		return fmt.Errorf("loading %s: %w", configPath, err)
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	if err := util.Setup(level, jsonLogs); err != nil {
		return err
	}

	var statedb *server.StateDB
	if cfg.StateDB != nil && cfg.StateDB.Addr != "" {
		statedb = server.NewStateDB(cfg.StateDB.Addr, cfg.StateDB.DB, func(err error) {
			util.Logger.Warnf("state export: %v", err)
		})
		defer statedb.Close()
	}

	var metrics *server.Metrics
	if cfg.MetricsListen != "" {
		reg := prometheus.NewRegistry()
		metrics = server.NewMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				util.Logger.Warnf("metrics listener: %v", err)
			}
		}()
	}

	cluster := server.NewCluster(cfg.Cluster)
	for _, n := range cfg.Nodes {
		cluster.AddNode(n)
	}
	engine := server.New(server.Options{
		Cluster:        cluster,
		Devices:        cfg.Devices,
		UpdateInterval: cfg.UpdateInterval,
		StateDB:        statedb,
		Metrics:        metrics,
	})

	listener, err := server.NewListener(engine, cfg.Listen)
	if err != nil {
		return fmt.Errorf("client listener: %w", err)
	}
	defer listener.Close()
	go listener.Serve()

	util.WithFields(map[string]interface{}{
		"cluster": cfg.Cluster,
		"devices": len(cfg.Devices),
		"nodes":   len(cfg.Nodes),
		"listen":  cfg.Listen,
	}).Info("powermand starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	engine.Run(ctx)
	util.Logger.Info("powermand stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
