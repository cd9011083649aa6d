// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"strconv"
	"strings"
)

// RenderTextExposition renders every metric in the Prometheus text
// format. The output is part of the external contract:
//
//	# HELP <fullName> <help>
//	# TYPE <fullName> <kind>
//	<fullName>{l1="v1",l2="v2"} <value>
//	<fullName>_sum{...} <sum>
//	<fullName>_count{...} <count>
//	<fullName>_bucket{...,le="<B>"} <cum>
//	<fullName>_bucket{...,le="+Inf"} <count>
//
// Label ordering inside braces follows registration order; fullName is
// the configured prefix plus the registered name.
func (r *Registry) RenderTextExposition() string {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	prefix := r.prefix
	r.mu.RUnlock()

	var b strings.Builder
	for _, name := range names {
		r.mu.RLock()
		m := r.metrics[name]
		r.mu.RUnlock()
		if m == nil {
			continue
		}
		m.renderInto(&b, prefix)
	}
	return b.String()
}

func (m *Metric) renderInto(b *strings.Builder, prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fullName := prefix + m.Name

	b.WriteString("# HELP ")
	b.WriteString(fullName)
	b.WriteByte(' ')
	b.WriteString(escapeHelp(m.Help))
	b.WriteByte('\n')
	b.WriteString("# TYPE ")
	b.WriteString(fullName)
	b.WriteByte(' ')
	b.WriteString(string(m.Kind))
	b.WriteByte('\n')

	render := func(values []string, c *cell) {
		if m.Kind == KindHistogram {
			m.renderHistogramCell(b, fullName, values, c)
			return
		}
		b.WriteString(fullName)
		writeLabels(b, m.LabelNames, values, "", "")
		b.WriteByte(' ')
		b.WriteString(formatValue(c.value))
		b.WriteByte('\n')
	}

	if m.single != nil {
		render(nil, m.single)
		return
	}
	for _, key := range m.tupleOrder {
		render(splitTuple(key, len(m.LabelNames)), m.cells[key])
	}
}

func (m *Metric) renderHistogramCell(b *strings.Builder, fullName string, values []string, c *cell) {
	b.WriteString(fullName)
	b.WriteString("_sum")
	writeLabels(b, m.LabelNames, values, "", "")
	b.WriteByte(' ')
	b.WriteString(formatValue(c.sum))
	b.WriteByte('\n')

	b.WriteString(fullName)
	b.WriteString("_count")
	writeLabels(b, m.LabelNames, values, "", "")
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(c.count, 10))
	b.WriteByte('\n')

	for i, bound := range DefaultBuckets {
		b.WriteString(fullName)
		b.WriteString("_bucket")
		writeLabels(b, m.LabelNames, values, "le", formatValue(bound))
		b.WriteByte(' ')
		b.WriteString(strconv.FormatUint(c.buckets[i], 10))
		b.WriteByte('\n')
	}

	// Implicit +Inf bucket equals the observation count.
	b.WriteString(fullName)
	b.WriteString("_bucket")
	writeLabels(b, m.LabelNames, values, "le", "+Inf")
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(c.count, 10))
	b.WriteByte('\n')
}

// writeLabels writes the {l1="v1",...} block, appending an optional
// extra label (the histogram "le"). Nothing is written when there are
// no labels at all.
func writeLabels(b *strings.Builder, names, values []string, extraName, extraValue string) {
	if len(names) == 0 && extraName == "" {
		return
	}
	b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteString(`="`)
		b.WriteString(escapeLabelValue(values[i]))
		b.WriteByte('"')
	}
	if extraName != "" {
		if len(names) > 0 {
			b.WriteByte(',')
		}
		b.WriteString(extraName)
		b.WriteString(`="`)
		b.WriteString(extraValue)
		b.WriteByte('"')
	}
	b.WriteByte('}')
}

// formatValue renders a float the shortest way that round-trips, so
// integral values print without a trailing ".0".
func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`)

func escapeLabelValue(v string) string {
	return labelEscaper.Replace(v)
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeHelp(h string) string {
	return helpEscaper.Replace(h)
}
