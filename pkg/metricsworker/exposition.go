// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package metricsworker

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
)

const defaultHelp = "KillKrill forwarded metric"

var (
	helpEscaper  = strings.NewReplacer(`\`, `\\`, "\n", `\n`)
	labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
)

// Render formats one push body in the Prometheus text exposition
// format. Samples sharing a name form a single family block: HELP and
// TYPE once, then one line per sample in arrival order. The output is
// byte-stable for a given input, so repeated pushes of a redelivered
// batch are identical.
func Render(samples []Sample) []byte {
	var order []string
	families := make(map[string][]Sample)
	for _, s := range samples {
		if _, seen := families[s.Name]; !seen {
			order = append(order, s.Name)
		}
		families[s.Name] = append(families[s.Name], s)
	}

	var b bytes.Buffer
	for _, name := range order {
		family := families[name]
		b.WriteString("# HELP ")
		b.WriteString(name)
		b.WriteByte(' ')
		b.WriteString(helpEscaper.Replace(familyHelp(family)))
		b.WriteByte('\n')
		b.WriteString("# TYPE ")
		b.WriteString(name)
		b.WriteByte(' ')
		b.WriteString(expositionType(family[0].Type))
		b.WriteByte('\n')
		for _, s := range family {
			writeSampleLine(&b, s)
		}
	}
	return b.Bytes()
}

func familyHelp(family []Sample) string {
	for _, s := range family {
		if s.Help != "" {
			return s.Help
		}
	}
	return defaultHelp
}

// expositionType maps declared sample types onto the text format.
// Histogram and summary samples arrive as plain numbers, not bucket or
// quantile series, so the format only allows them through as untyped.
func expositionType(mtype string) string {
	switch mtype {
	case "counter", "gauge":
		return mtype
	default:
		return "untyped"
	}
}

func writeSampleLine(b *bytes.Buffer, s Sample) {
	b.WriteString(s.Name)
	if len(s.Labels) > 0 {
		keys := make([]string, 0, len(s.Labels))
		for k := range s.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteString(`="`)
			b.WriteString(labelEscaper.Replace(s.Labels[k]))
			b.WriteByte('"')
		}
		b.WriteByte('}')
	}
	b.WriteByte(' ')
	b.WriteString(strconv.FormatFloat(s.Value, 'g', -1, 64))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(s.Timestamp.UnixMilli(), 10))
	b.WriteByte('\n')
}
