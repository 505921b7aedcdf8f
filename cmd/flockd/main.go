// Command flockd runs one cluster participant: a full server that elects
// and coordinates, or a passive client that announces itself and follows
// the leader.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/flock/internal/config"
	"github.com/ryandielhenn/flock/internal/telemetry"
	"github.com/ryandielhenn/flock/pkg/membership"
	"github.com/ryandielhenn/flock/pkg/node"
)

var (
	cfgPath string
	debug   bool
	group   string
	opsAddr string
)

func main() {
	root := &cobra.Command{
		Use:          "flockd",
		Short:        "multicast cluster node with leader election",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&group, "group", "", "override multicast group addr:port")
	root.PersistentFlags().StringVar(&opsAddr, "ops-addr", "", "override ops HTTP listen address")

	root.AddCommand(
		runCmd("server", "run a full server node", membership.RoleServer),
		runCmd("client", "run a passive client node", membership.RoleClient),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd(use, short string, role membership.Role) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(role)
		},
	}
}

func run(role membership.Role) error {
	log, err := buildLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if group != "" {
		cfg.Group = group
	}
	if opsAddr != "" {
		cfg.OpsAddr = opsAddr
	}

	n, err := node.New(cfg, node.Options{Role: role, Logger: log})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := startOps(cfg.OpsAddr, n, log)

	err = n.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}

	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("node stopped")
	return nil
}

// startOps serves the ops endpoint in the background. An empty address
// disables it entirely.
func startOps(addr string, n *node.Node, log *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	srv := opsServer(addr, n)
	go func() {
		log.Info("ops endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("ops endpoint failed", zap.Error(err))
		}
	}()
	return srv
}

func opsServer(addr string, n *node.Node) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/status", n.StatusHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func buildLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = true
	return cfg.Build()
}
