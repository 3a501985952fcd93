// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package admission rejects traffic from disallowed peers before any
// allocation or parsing cost. Rules live in an immutable snapshot; reloads
// swap the snapshot atomically so readers always see a complete rule set.
package admission

import (
	"fmt"
	"net"

	"go.uber.org/atomic"
)

// Verdict is the outcome of an admission check.
type Verdict int

const (
	// VerdictAllowed lets the payload through.
	VerdictAllowed Verdict = iota
	// VerdictDenied means the peer matched no CIDR of the source allowlist.
	VerdictDenied
	// VerdictNoSource means no source is associated with the destination.
	VerdictNoSource
)

// String implements fmt.Stringer; values double as drop-reason tags.
func (v Verdict) String() string {
	switch v {
	case VerdictAllowed:
		return "allowed"
	case VerdictDenied:
		return "ip_not_allowed"
	case VerdictNoSource:
		return "no_source"
	}
	return "unknown"
}

// Rule is the compiled allowlist of one log source.
type Rule struct {
	SourceID string
	Port     int
	Networks []*net.IPNet
}

// contains reports whether ip falls inside any network of the rule. A rule
// with an empty allowlist admits nobody.
func (r *Rule) contains(ip net.IP) bool {
	for _, n := range r.Networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// CompileRule parses the CIDR strings of one source into a Rule.
func CompileRule(sourceID string, port int, cidrs []string) (Rule, error) {
	rule := Rule{SourceID: sourceID, Port: port}
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			return Rule{}, fmt.Errorf("source %s: invalid CIDR %q: %w", sourceID, c, err)
		}
		rule.Networks = append(rule.Networks, network)
	}
	return rule, nil
}

// Snapshot is an immutable set of rules indexed by destination port and by
// source id. Build one with NewSnapshot, never mutate it.
type Snapshot struct {
	byPort   map[int]*Rule
	bySource map[string]*Rule
}

// NewSnapshot indexes the given rules. Duplicate ports are an error: a UDP
// port identifies exactly one source.
func NewSnapshot(rules []Rule) (*Snapshot, error) {
	snap := &Snapshot{
		byPort:   make(map[int]*Rule, len(rules)),
		bySource: make(map[string]*Rule, len(rules)),
	}
	for i := range rules {
		rule := rules[i]
		if rule.Port != 0 {
			if _, dup := snap.byPort[rule.Port]; dup {
				return nil, fmt.Errorf("duplicate syslog port %d", rule.Port)
			}
			snap.byPort[rule.Port] = &rule
		}
		snap.bySource[rule.SourceID] = &rule
	}
	return snap, nil
}

// Size returns the number of rules in the snapshot.
func (s *Snapshot) Size() int {
	return len(s.bySource)
}

// AllowPort checks a peer against the rule bound to a destination port.
func (s *Snapshot) AllowPort(ip net.IP, port int) Verdict {
	rule, ok := s.byPort[port]
	if !ok {
		return VerdictNoSource
	}
	if rule.contains(ip) {
		return VerdictAllowed
	}
	return VerdictDenied
}

// AllowSource checks a peer against the rule of a known source id.
func (s *Snapshot) AllowSource(ip net.IP, sourceID string) Verdict {
	rule, ok := s.bySource[sourceID]
	if !ok {
		return VerdictNoSource
	}
	if rule.contains(ip) {
		return VerdictAllowed
	}
	return VerdictDenied
}

// Filter hands out the current snapshot and swaps in new ones.
type Filter struct {
	snap atomic.Pointer[Snapshot]
}

// NewFilter starts with the given snapshot, usually built from storage at
// boot. A nil snapshot is replaced by an empty one.
func NewFilter(snap *Snapshot) *Filter {
	if snap == nil {
		snap, _ = NewSnapshot(nil)
	}
	f := &Filter{}
	f.snap.Store(snap)
	return f
}

// Current returns a stable reference; callers keep it for the duration of
// one request or datagram.
func (f *Filter) Current() *Snapshot {
	return f.snap.Load()
}

// Swap publishes a new snapshot in one atomic step.
func (f *Filter) Swap(snap *Snapshot) {
	f.snap.Store(snap)
	SnapshotsSwapped.Add(1)
	TlmSnapshotsSwapped.Inc()
}

// CheckPort applies the current snapshot to a datagram peer and counts the
// drop when the verdict is negative.
func (f *Filter) CheckPort(ip net.IP, port int) Verdict {
	v := f.Current().AllowPort(ip, port)
	if v != VerdictAllowed {
		countDrop(v)
	}
	return v
}

// CheckSource applies the current snapshot to an HTTP client and counts the
// drop when the verdict is negative.
func (f *Filter) CheckSource(ip net.IP, sourceID string) Verdict {
	v := f.Current().AllowSource(ip, sourceID)
	if v != VerdictAllowed {
		countDrop(v)
	}
	return v
}
