// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package main

import (
	"context"
	_ "expvar"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/killkrill/killkrill/pkg/api/healthprobe"
	"github.com/killkrill/killkrill/pkg/config"
	"github.com/killkrill/killkrill/pkg/license"
	"github.com/killkrill/killkrill/pkg/logworker"
	"github.com/killkrill/killkrill/pkg/status/health"
	"github.com/killkrill/killkrill/pkg/streambus"
	"github.com/killkrill/killkrill/pkg/util/log"
	"github.com/killkrill/killkrill/pkg/version"
)

// stopTimeout bounds the whole graceful stop; past it the watchdog kills
// the process.
const stopTimeout = 30 * time.Second

var (
	// logworkerCmd is the root command
	logworkerCmd = &cobra.Command{
		Use:   "killkrill-logworker [command]",
		Short: "KillKrill log worker at your service.",
		Long: `
The log worker consumes raw log entries from the stream bus, shapes them
into ECS documents and bulk-indexes them into Elasticsearch. Entries are
acknowledged only after the bulk response confirms them, so a crash
replays instead of losing data.`,
		SilenceUsage: true,
	}

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the log worker",
		Long:  `Runs the log worker in the foreground`,
		RunE:  start,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("killkrill-logworker %s - Commit: %s\n", version.Version, version.Commit)
		},
	}

	confPath string
)

func init() {
	// attach the start command to the root
	logworkerCmd.AddCommand(startCmd)
	logworkerCmd.AddCommand(versionCmd)

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

	if err := config.ValidateRequired(config.RoleLogWorker); err != nil {
		return log.Critical(err)
	}

	log.Infof("Starting killkrill-logworker %s (commit %s)", version.Version, version.Commit)

	bus, err := streambus.New(config.KillKrill.GetString("redis_url"))
	if err != nil {
		return log.Errorf("Unable to build the stream bus client: %v", err)
	}
	defer bus.Close() //nolint:errcheck
	if err := bus.Ping(mainCtx); err != nil {
		return log.Errorf("Redis is unreachable: %v", err)
	}

	sink, err := logworker.NewElasticSink(splitHosts(config.KillKrill.GetString("elasticsearch_hosts")))
	if err != nil {
		return log.Errorf("Unable to build the elasticsearch client: %v", err)
	}
	if err := sink.Ping(mainCtx); err != nil {
		return log.Errorf("Elasticsearch is unreachable: %v", err)
	}

	gate := license.FromConfig(nil)
	if err := gate.Validate(mainCtx); err != nil {
		return log.Critical(err)
	}
	go gate.RunKeepalive(mainCtx)

	pool, err := logworker.New(logworker.Options{
		Bus:         bus,
		Sink:        sink,
		Workers:     gate.Parallelism(config.KillKrill.GetInt("processor_workers")),
		BatchSize:   config.KillKrill.GetInt64("max_batch_size"),
		IndexPrefix: config.KillKrill.GetString("index_prefix"),
		Timeout:     time.Duration(config.KillKrill.GetInt("processing_timeout")) * time.Second,
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
		map[string]healthprobe.Prober{"elasticsearch": sink.Ping},
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

	// let in-flight batches finish and ack before tearing anything down
	pool.Stop()
	mainCtxCancel()

	log.Info("See ya!")
	log.Flush()
	return nil
}

func splitHosts(raw string) []string {
	if raw == "" {
		return nil
	}
	var hosts []string
	for _, h := range strings.Split(raw, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
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

	if err := logworkerCmd.Execute(); err != nil {
		log.Flush()
		os.Exit(1)
	}
}
