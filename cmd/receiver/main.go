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
	"regexp"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/killkrill/killkrill/pkg/admission"
	"github.com/killkrill/killkrill/pkg/config"
	"github.com/killkrill/killkrill/pkg/control"
	"github.com/killkrill/killkrill/pkg/diagnose"
	"github.com/killkrill/killkrill/pkg/license"
	"github.com/killkrill/killkrill/pkg/receiver/httpapi"
	"github.com/killkrill/killkrill/pkg/receiver/metrics"
	"github.com/killkrill/killkrill/pkg/receiver/udp"
	"github.com/killkrill/killkrill/pkg/status/health"
	"github.com/killkrill/killkrill/pkg/storage"
	"github.com/killkrill/killkrill/pkg/streambus"
	"github.com/killkrill/killkrill/pkg/submission"
	"github.com/killkrill/killkrill/pkg/util/log"
	"github.com/killkrill/killkrill/pkg/version"
)

// stopTimeout bounds the whole graceful stop; past it the watchdog kills
// the process.
const stopTimeout = 30 * time.Second

var (
	// receiverCmd is the root command
	receiverCmd = &cobra.Command{
		Use:   "killkrill-receiver [command]",
		Short: "KillKrill receiver at your service.",
		Long: `
The receiver terminates every ingest path: JSON log batches and metric
samples over authenticated HTTP, and RFC3164 syslog datagrams on one UDP
port per registered source. Accepted entries land on the stream bus for
the worker pools. It also serves the control surface used by operators
and sensor agents.`,
		SilenceUsage: true,
	}

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the receiver",
		Long:  `Runs the receiver in the foreground`,
		RunE:  start,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("killkrill-receiver %s - Commit: %s\n", version.Version, version.Commit)
		},
	}

	diagnoseCmd = &cobra.Command{
		Use:   "diagnose",
		Short: "Check connectivity to every configured downstream",
		Long: `Probes postgres, redis, elasticsearch, the push gateway and the
upstream from this host and prints a report. Exits non-zero when a
required dependency is unreachable.`,
		RunE: runDiagnose,
	}

	confPath     string
	diagnoseOpts diagnoseOptions
)

type diagnoseOptions struct {
	verbose bool
	include []string
	exclude []string
}

// AddFlags registers the diagnose flags on fs.
func (o *diagnoseOptions) AddFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "print successful checks in full")
	fs.StringArrayVar(&o.include, "include", nil, "only run suites whose name matches this regular expression (repeatable)")
	fs.StringArrayVar(&o.exclude, "exclude", nil, "skip suites whose name matches this regular expression (repeatable)")
}

func init() {
	// attach the commands to the root
	receiverCmd.AddCommand(startCmd)
	receiverCmd.AddCommand(versionCmd)
	receiverCmd.AddCommand(diagnoseCmd)

	// local flags
	startCmd.Flags().StringVarP(&confPath, "cfgpath", "c", "", "path to the killkrill.yaml config file")
	diagnoseCmd.Flags().StringVarP(&confPath, "cfgpath", "c", "", "path to the killkrill.yaml config file")
	diagnoseOpts.AddFlags(diagnoseCmd.Flags())
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

	if err := config.ValidateRequired(config.RoleReceiver); err != nil {
		return log.Critical(err)
	}

	log.Infof("Starting killkrill-receiver %s (commit %s)", version.Version, version.Commit)

	store, err := storage.Connect(mainCtx, config.KillKrill.GetString("database_url"))
	if err != nil {
		return log.Errorf("Unable to connect to postgres: %v", err)
	}
	defer store.Close() //nolint:errcheck

	bus, err := streambus.New(config.KillKrill.GetString("redis_url"))
	if err != nil {
		return log.Errorf("Unable to build the stream bus client: %v", err)
	}
	defer bus.Close() //nolint:errcheck
	if err := bus.Ping(mainCtx); err != nil {
		return log.Errorf("Redis is unreachable: %v", err)
	}

	gate := license.FromConfig(func() license.Usage {
		return license.Usage{
			LogsReceived:    metrics.LogsReceived.Value(),
			MetricsReceived: metrics.MetricsReceived.Value(),
		}
	})
	if err := gate.Validate(mainCtx); err != nil {
		return log.Critical(err)
	}
	go gate.RunKeepalive(mainCtx)

	snap, n, err := control.LoadSnapshot(mainCtx, store)
	if err != nil {
		return log.Errorf("Unable to load admission rules: %v", err)
	}
	filter := admission.NewFilter(snap)
	log.Infof("Admission filter ready with %d sources", n)

	sources, err := store.ListEnabledSources(mainCtx)
	if err != nil {
		return log.Errorf("Unable to list log sources: %v", err)
	}
	udpSources := make([]udp.Source, 0, len(sources))
	for _, src := range sources {
		udpSources = append(udpSources, udp.Source{
			ID:          src.ID,
			Name:        src.Name,
			Application: src.Application,
			Port:        src.SyslogPort,
		})
	}
	udpMgr, err := udp.NewManager(udpSources, bus, filter)
	if err != nil {
		return log.Errorf("Unable to build the syslog surface: %v", err)
	}
	if err := udpMgr.Start(); err != nil {
		// Failed binds retry in the background; the surface is degraded,
		// not down.
		log.Warnf("Some syslog listeners are not up yet: %v", err)
	}

	// Upstream forwarding is optional: without an upstream URL, or when
	// the login is rejected, ingest runs standalone.
	var fwd *httpapi.Forwarder
	var upstream *submission.Client
	if config.KillKrill.GetString("upstream.url") != "" {
		upstream = submission.FromConfig()
		if err := upstream.Connect(mainCtx); err != nil {
			log.Errorf("Upstream authentication failed, running without forwarding: %v", err)
			upstream = nil
		} else {
			fwd = httpapi.ForwarderFromConfig(upstream)
			go fwd.Run(mainCtx)
		}
	}

	httpSrv, err := httpapi.FromConfig(store, bus, filter, gate, fwd)
	if err != nil {
		return log.Errorf("Unable to start the ingest surface: %v", err)
	}
	httpSrv.Start()

	ctlSrv, err := control.FromConfig(store, filter, bus, map[string]control.Prober{
		"postgres": store.Ping,
	})
	if err != nil {
		return log.Errorf("Unable to start the control surface: %v", err)
	}
	ctlSrv.Start()

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

	// stop ingress first so nothing new lands on the bus
	udpMgr.Stop()
	httpSrv.Stop()
	ctlSrv.Stop()

	// gracefully shut down any component
	mainCtxCancel()
	if fwd != nil {
		<-fwd.Done()
	}
	if upstream != nil {
		upstream.Close() //nolint:errcheck
	}

	log.Info("See ya!")
	log.Flush()
	return nil
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	if err := config.Load(confPath); err != nil {
		log.Error(err)
	}
	if err := config.SetupLogger(
		config.KillKrill.GetString("log_level"),
		config.KillKrill.GetString("log_file"),
	); err != nil {
		return log.Criticalf("Unable to setup logger: %s", err)
	}

	cfg := diagnose.Config{Verbose: diagnoseOpts.verbose}
	for _, expr := range diagnoseOpts.include {
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("invalid --include pattern %q: %v", expr, err)
		}
		cfg.Include = append(cfg.Include, re)
	}
	for _, expr := range diagnoseOpts.exclude {
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("invalid --exclude pattern %q: %v", expr, err)
		}
		cfg.Exclude = append(cfg.Exclude, re)
	}

	counters := diagnose.Run(cmd.Context(), os.Stdout, cfg,
		diagnose.Suites(diagnose.TargetsFromConfig()))
	log.Flush()
	if counters.HasFailures() {
		return fmt.Errorf("%d of %d connectivity checks failed",
			counters.Fail+counters.UnexpectedErr, counters.Total)
	}
	return nil
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

	if err := receiverCmd.Execute(); err != nil {
		log.Flush()
		os.Exit(1)
	}
}
