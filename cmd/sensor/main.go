// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package main

import (
	_ "expvar"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/killkrill/killkrill/pkg/config"
	"github.com/killkrill/killkrill/pkg/sensor"
	"github.com/killkrill/killkrill/pkg/util/log"
	"github.com/killkrill/killkrill/pkg/version"
)

// stopTimeout bounds the whole graceful stop; past it the watchdog kills
// the process.
const stopTimeout = 30 * time.Second

var (
	// sensorCmd is the root command
	sensorCmd = &cobra.Command{
		Use:   "killkrill-sensor [command]",
		Short: "KillKrill sensor at your service.",
		Long: `
The sensor runs on monitored hosts. It polls the control surface for its
check assignments, runs http, tcp, ping and exec checks on their
schedules and submits results back in signed batches.`,
		SilenceUsage: true,
	}

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the sensor",
		Long:  `Runs the sensor in the foreground`,
		RunE:  start,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("killkrill-sensor %s - Commit: %s\n", version.Version, version.Commit)
		},
	}

	confPath string
)

func init() {
	// attach the start command to the root
	sensorCmd.AddCommand(startCmd)
	sensorCmd.AddCommand(versionCmd)

	// local flags
	startCmd.Flags().StringVarP(&confPath, "cfgpath", "c", "", "path to the killkrill.yaml config file")
}

func start(cmd *cobra.Command, args []string) error {
	if err := config.Load(confPath); err != nil {
		log.Error(err)
	}

	// The config layer logs through seelog; the sensor itself through
	// logrus. Both follow log_level.
	if err := config.SetupLogger(
		config.KillKrill.GetString("log_level"),
		config.KillKrill.GetString("log_file"),
	); err != nil {
		return log.Criticalf("Unable to setup logger: %s", err)
	}
	if lvl, err := logrus.ParseLevel(config.KillKrill.GetString("log_level")); err == nil {
		logrus.SetLevel(lvl)
	}

	if err := config.ValidateRequired(config.RoleSensor); err != nil {
		return log.Critical(err)
	}

	logrus.Infof("Starting killkrill-sensor %s (commit %s)", version.Version, version.Commit)

	agent, err := sensor.FromConfig()
	if err != nil {
		return log.Errorf("Unable to build the sensor agent: %v", err)
	}
	agent.Start()

	// Setup a channel to catch OS signals
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	// Block here until we receive the interrupt signal
	<-signalCh

	// a stuck drain must not keep the process alive
	watchdog := time.AfterFunc(stopTimeout, func() {
		log.Critical("Graceful stop timed out, forcing exit")
		log.Flush()
		os.Exit(1)
	})
	defer watchdog.Stop()

	// Stop waits for running checks and drains queued results.
	agent.Stop()

	logrus.Info("See ya!")
	log.Flush()
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

	if err := sensorCmd.Execute(); err != nil {
		log.Flush()
		os.Exit(1)
	}
}
