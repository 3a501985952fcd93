// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package diagnose runs preflight checks against the external endpoints a
// KillKrill binary depends on and renders a human-readable report. The
// process exit code is the caller's decision, driven by the returned
// counters.
package diagnose

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"

	"github.com/fatih/color"
)

// Result classifies one diagnosis outcome.
type Result int

const (
	// Success means the endpoint answered as expected.
	Success Result = iota
	// Fail means the endpoint is required and did not answer.
	Fail
	// Warning flags a degraded but non-fatal observation.
	Warning
	// UnexpectedErr covers faults in the diagnosis itself, such as an
	// unparseable endpoint URL.
	UnexpectedErr
)

var resultNames = map[Result]string{
	Success:       "PASS",
	Fail:          "FAIL",
	Warning:       "WARN",
	UnexpectedErr: "ERROR",
}

var resultColors = map[Result]*color.Color{
	Success:       color.New(color.FgGreen),
	Fail:          color.New(color.FgRed),
	Warning:       color.New(color.FgYellow),
	UnexpectedErr: color.New(color.FgRed),
}

// Diagnosis is one check outcome.
type Diagnosis struct {
	Result      Result
	Name        string
	Category    string
	Diagnosis   string
	Remediation string
	RawError    string
}

// Suite is a named group of related checks, run together.
type Suite struct {
	Name     string
	Diagnose func(ctx context.Context) []Diagnosis
}

// Config controls suite filtering and report verbosity.
type Config struct {
	Verbose bool
	Include []*regexp.Regexp
	Exclude []*regexp.Regexp
}

func (cfg Config) match(name string) bool {
	if len(cfg.Include) > 0 && !matchAny(cfg.Include, name) {
		return false
	}
	if len(cfg.Exclude) > 0 && matchAny(cfg.Exclude, name) {
		return false
	}
	return true
}

func matchAny(list []*regexp.Regexp, s string) bool {
	for _, re := range list {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Counters aggregates results across all suites.
type Counters struct {
	Total         int
	Success       int
	Fail          int
	Warnings      int
	UnexpectedErr int
}

func (c *Counters) increment(r Result) {
	c.Total++
	switch r {
	case Success:
		c.Success++
	case Fail:
		c.Fail++
	case Warning:
		c.Warnings++
	default:
		c.UnexpectedErr++
	}
}

// HasFailures reports whether the run should exit non-zero. Warnings do
// not count: a filtered ICMP path must not block a deploy.
func (c Counters) HasFailures() bool {
	return c.Fail > 0 || c.UnexpectedErr > 0
}

// Run executes every suite passing the filters, in name order, and writes
// the report to w.
func Run(ctx context.Context, w io.Writer, cfg Config, suites []Suite) Counters {
	var counters Counters

	sorted := make([]Suite, len(suites))
	copy(sorted, suites)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	idx := 1
	for _, suite := range sorted {
		if !cfg.match(suite.Name) {
			continue
		}
		fmt.Fprintf(w, "==============\nSuite: %s\n", suite.Name)
		for _, d := range suite.Diagnose(ctx) {
			counters.increment(d.Result)
			outputDiagnosis(w, cfg, idx, d)
			idx++
		}
	}

	summary(w, counters)
	return counters
}

func outputDiagnosis(w io.Writer, cfg Config, idx int, d Diagnosis) {
	result := resultColors[d.Result].Sprint(resultNames[d.Result])

	fmt.Fprintf(w, "%d. --------------\n", idx)
	if len(d.Category) > 0 {
		fmt.Fprintf(w, "  %s [%s] %s\n", result, d.Category, d.Name)
	} else {
		fmt.Fprintf(w, "  %s %s\n", result, d.Name)
	}
	fmt.Fprintf(w, "  Diagnosis: %s\n", d.Diagnosis)
	if len(d.Remediation) > 0 {
		fmt.Fprintf(w, "  Remediation: %s\n", d.Remediation)
	}
	if len(d.RawError) > 0 {
		// Successful checks only show their underlying error in verbose
		// mode.
		if d.Result != Success || cfg.Verbose {
			fmt.Fprintf(w, "  Error: %s\n", d.RawError)
		}
	}
	fmt.Fprint(w, "\n")
}

func summary(w io.Writer, c Counters) {
	fmt.Fprintf(w, "-------------------------\n  Total:%d", c.Total)
	if c.Success > 0 {
		fmt.Fprintf(w, ", Success:%d", c.Success)
	}
	if c.Fail > 0 {
		fmt.Fprintf(w, ", Fail:%d", c.Fail)
	}
	if c.Warnings > 0 {
		fmt.Fprintf(w, ", Warning:%d", c.Warnings)
	}
	if c.UnexpectedErr > 0 {
		fmt.Fprintf(w, ", Error:%d", c.UnexpectedErr)
	}
	fmt.Fprint(w, "\n")
}
