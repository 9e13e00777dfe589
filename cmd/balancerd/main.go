package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpmesh/balancer/internal/balancer"
	"github.com/mcpmesh/balancer/internal/config"
	"github.com/mcpmesh/balancer/internal/server"
	"github.com/mcpmesh/balancer/pkg/logger"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 30 * time.Second
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:     "balancerd",
		Version: version,
		Short:   "Service-selection engine for the MCP coordinator",
		Long: `balancerd runs the in-memory load balancing engine: it registers
service instances, resolves balancing rules, selects instances with one of
nine algorithms, and adaptively retunes instance weights from observed
latency. Management happens over the admin HTTP API.`,
		RunE: runServer,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.WithFields(map[string]interface{}{
		"version":   version,
		"instances": len(cfg.Instances),
		"rules":     len(cfg.Rules),
	}).Info("Starting balancer")

	b := balancer.New(balancer.Settings{
		AdaptiveEnabled:  cfg.Balancer.AdaptiveEnabled,
		AdaptiveInterval: cfg.Balancer.AdaptiveInterval,
		StatsInterval:    cfg.Balancer.StatsInterval,
		SessionTTL:       cfg.Balancer.SessionTTL,
		MinWeight:        cfg.Balancer.MinWeight,
		MaxWeight:        cfg.Balancer.MaxWeight,
		Hysteresis:       cfg.Balancer.Hysteresis,
	}, log)

	seed(cfg, b, log)
	b.Start()
	defer b.Stop()

	if !cfg.Admin.Enabled {
		log.Info("Admin API disabled, running headless")
		waitForSignal(log)
		return nil
	}

	admin := server.NewAdminServer(b, server.Options{
		Port:              cfg.Admin.Port,
		RequestsPerSecond: cfg.Admin.RequestsPerSecond,
		BurstSize:         cfg.Admin.BurstSize,
	}, log)

	errChan := make(chan error, 1)
	go func() {
		errChan <- admin.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("admin server failed: %w", err)
		}
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := admin.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Admin server shutdown failed")
	}

	return nil
}

// seed registers the instances and rules declared in the config file.
func seed(cfg *config.Config, b *balancer.Balancer, log *logger.Logger) {
	for i, descriptor := range cfg.ToDescriptors() {
		seedCfg := cfg.Instances[i]
		if !b.AddService(descriptor, seedCfg.Weight) {
			log.WithField("instance_id", descriptor.ID).Warn("Skipped duplicate seed instance")
			continue
		}
		if seedCfg.Enabled != nil && !*seedCfg.Enabled {
			b.SetInstanceEnabled(descriptor.ID, false)
		}
	}

	for _, rule := range cfg.ToRules() {
		if !b.AddBalancingRule(rule) {
			log.WithField("rule_id", rule.ID).Warn("Skipped invalid seed rule")
		}
	}
}

func waitForSignal(log *logger.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Shutting down")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
