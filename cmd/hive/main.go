// Command hive boots one runtime node from a configuration file.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	hive "github.com/ehrlich-b/go-hive"
	"github.com/ehrlich-b/go-hive/internal/env"
	"github.com/ehrlich-b/go-hive/internal/logging"

	// service modules register themselves at init
	_ "github.com/ehrlich-b/go-hive/sandbox"
	_ "github.com/ehrlich-b/go-hive/service/gate"
	_ "github.com/ehrlich-b/go-hive/service/harbor"
	_ "github.com/ehrlich-b/go-hive/service/launcher"
	_ "github.com/ehrlich-b/go-hive/service/logger"
)

func main() {
	var (
		configPath  string
		verbose     bool
		metricsAddr string
	)

	root := &cobra.Command{
		Use:   "hive [config]",
		Short: "run a hive node",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				configPath = args[0]
			}
			return run(configPath, verbose, metricsAddr)
		},
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "configuration file")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.Flags().StringVar(&metricsAddr, "metrics", "", "prometheus listen address (e.g. :9100)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, verbose bool, metricsAddr string) error {
	logCfg := logging.DefaultConfig()
	if verbose {
		logCfg.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logCfg)
	logging.SetDefault(logger)

	v := viper.New()
	v.SetEnvPrefix("HIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configPath, err)
		}
	}
	store := env.FromViper(v)

	workers := atoiDefault(store.Get("thread"), runtime.NumCPU())
	harborID := atoiDefault(store.Get("harbor"), 0)
	if harborID < 0 || harborID > 255 {
		return fmt.Errorf("harbor id %d out of range", harborID)
	}

	node, err := hive.NewNode(hive.Config{
		Workers: workers,
		NodeID:  uint8(harborID),
		Profile: store.Get("profile") == "true" || store.Get("profile") == "1",
		Env:     store,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	if metricsAddr == "" {
		metricsAddr = store.Get("metrics")
	}
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(hive.NewCollector(node.Metrics()))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("metrics listener failed", "addr", metricsAddr, "error", err)
			}
		}()
	}

	node.Start()

	if harborID != 0 {
		if _, err := node.Launch("harbor", strconv.Itoa(harborID)); err != nil {
			return err
		}
	}
	if err := node.Boot(); err != nil {
		node.Abort()
		node.Wait()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig)
		node.Abort()
	}()

	code := node.Wait()
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
