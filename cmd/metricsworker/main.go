// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package main

import (
	"context"
	_ "expvar"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/killkrill/killkrill/pkg/api/healthprobe"
	"github.com/killkrill/killkrill/pkg/config"
	"github.com/killkrill/killkrill/pkg/license"
	"github.com/killkrill/killkrill/pkg/metricsworker"
	"github.com/killkrill/killkrill/pkg/status/health"
	"github.com/killkrill/killkrill/pkg/streambus"
	"github.com/killkrill/killkrill/pkg/util/log"
	"github.com/killkrill/killkrill/pkg/version"
)

// stopTimeout bounds the whole graceful stop; past it the watchdog kills
// the process.
const stopTimeout = 30 * time.Second

var (
	// metricsworkerCmd is the root command
	metricsworkerCmd = &cobra.Command{
		Use:   "killkrill-metricsworker [command]",
		Short: "KillKrill metrics worker at your service.",
		Long: `
The metrics worker consumes metric samples from the stream bus, renders
them in Prometheus exposition format and pushes them to the push
gateway, grouped by source. Samples are acknowledged only after a push
succeeds, so a gateway outage replays instead of losing data.`,
		SilenceUsage: true,
	}

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the metrics worker",
		Long:  `Runs the metrics worker in the foreground`,
		RunE:  start,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("killkrill-metricsworker %s - Commit: %s\n", version.Version, version.Commit)
		},
	}

	confPath string
)

func init() {
	// attach the start command to the root
	metricsworkerCmd.AddCommand(startCmd)
	metricsworkerCmd.AddCommand(versionCmd)

	// local flags
	startCmd.Flags().StringVarP(&confPath, "cfgpath", "c", "", "path to the killkrill.yaml config file")
}

func start(cmd *cobra.Command, args []string) error {
	// Main context passed to components
	mainCtx, mainCtxCancel := context.WithCancel(context.Background())
	defer mainCtxCancel() // Calling cancel twice is safe

	if err := config.Load(confPath); err != nil {
		log.Error(err)
	}

	if err := config.SetupLogger(
		config.KillKrill.GetString("log_level"),
		config.KillKrill.GetString("log_file"),
	); err != nil {
		return log.Criticalf("Unable to setup logger: %s", err)
	}

	if err := config.ValidateRequired(config.RoleMetricsWorker); err != nil {
		return log.Critical(err)
	}

	log.Infof("Starting killkrill-metricsworker %s (commit %s)", version.Version, version.Commit)

	bus, err := streambus.New(config.KillKrill.GetString("redis_url"))
	if err != nil {
		return log.Errorf("Unable to build the stream bus client: %v", err)
	}
	defer bus.Close() //nolint:errcheck
	if err := bus.Ping(mainCtx); err != nil {
		return log.Errorf("Redis is unreachable: %v", err)
	}

	gate := license.FromConfig(nil)
	if err := gate.Validate(mainCtx); err != nil {
		return log.Critical(err)
	}
	go gate.RunKeepalive(mainCtx)

	// The gateway is not probed at boot: pushes retry until it comes up.
	gatewayURL := config.KillKrill.GetString("prometheus_gateway")
	prober, err := gatewayProber(gatewayURL)
	if err != nil {
		return log.Error(err)
	}

	writer := metricsworker.NewWriter(gatewayURL, metricsworker.BusAck(bus), nil)
	pool, err := metricsworker.New(metricsworker.Options{
		Bus:       bus,
		Writer:    writer,
		Workers:   gate.Parallelism(config.KillKrill.GetInt("processor_workers")),
		BatchSize: config.KillKrill.GetInt64("max_batch_size"),
		Timeout:   time.Duration(config.KillKrill.GetInt("processing_timeout")) * time.Second,
	})
	if err != nil {
		return log.Errorf("Unable to build the worker pool: %v", err)
	}
	if err := pool.Start(mainCtx); err != nil {
		return log.Errorf("Unable to start the worker pool: %v", err)
	}

	if _, err := healthprobe.Serve(mainCtx,
		fmt.Sprintf(":%d", config.KillKrill.GetInt("api_port")),
		bus,
		map[string]healthprobe.Prober{"gateway": prober},
	); err != nil {
		return log.Errorf("Unable to start the health probe server: %v", err)
	}

	// Setup a channel to catch OS signals
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	// Block here until we receive the interrupt signal
	<-signalCh

	// retrieve the health status before stopping the components
	status := health.GetStatus()
	if len(status.Unhealthy) > 0 {
		log.Warnf("Some components were unhealthy: %v", status.Unhealthy)
	}

	// a stuck drain must not keep the process alive
	watchdog := time.AfterFunc(stopTimeout, func() {
		log.Critical("Graceful stop timed out, forcing exit")
		log.Flush()
		os.Exit(1)
	})
	defer watchdog.Stop()

	// Stop drains the pool and gives the writer one bounded final flush.
	pool.Stop()
	mainCtxCancel()

	log.Info("See ya!")
	log.Flush()
	return nil
}

// gatewayProber reports TCP reachability of the push gateway. The
// gateway exposes no stable health route across versions, so a dial is
// the signal we rely on.
func gatewayProber(gatewayURL string) (healthprobe.Prober, error) {
	u, err := url.Parse(gatewayURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid prometheus_gateway %q", gatewayURL)
	}
	addr := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}, nil
}

func main() {
	// go_expvar server
	go func() {
		port := config.KillKrill.GetInt("expvar_port")
		err := http.ListenAndServe(fmt.Sprintf("127.0.0.1:%d", port), http.DefaultServeMux)
		if err != nil {
			log.Errorf("Error creating expvar server on port %d: %v", port, err)
		}
	}()

	if err := metricsworkerCmd.Execute(); err != nil {
		log.Flush()
		os.Exit(1)
	}
}
