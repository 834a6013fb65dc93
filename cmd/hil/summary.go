// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianHIL/pkg/ux"
	"github.com/AleutianAI/AleutianHIL/services/hil/api"
	"github.com/AleutianAI/AleutianHIL/services/hil/faults"
	"github.com/AleutianAI/AleutianHIL/services/hil/recorder"
	"github.com/AleutianAI/AleutianHIL/services/hil/rtsched"
	"github.com/AleutianAI/AleutianHIL/services/hil/session"
)

// summary is the end-of-run report.
type summary struct {
	endpoints []session.Stats
	timing    rtsched.Stats
	faults    faults.Stats
	recorder  *recorder.Stats
}

func (rt *runtime) summarize(endpoints ...api.Endpoint) *summary {
	s := &summary{
		timing: rt.sched.Stats(),
		faults: rt.engine.Stats(),
	}
	for _, ep := range endpoints {
		s.endpoints = append(s.endpoints, ep.Stats())
	}
	if rt.rec != nil {
		st := rt.rec.Stats()
		s.recorder = &st
	}
	return s
}

func count(n uint64) string { return strconv.FormatUint(n, 10) }

// warnIf marks non-zero counts that indicate degraded operation.
func warnIf(n uint64) ux.Icon {
	if n > 0 {
		return ux.IconWarning
	}
	return ux.IconNone
}

func (s *summary) print(p *ux.Printer) {
	p.Title("HIL run summary")
	for _, ep := range s.endpoints {
		p.Table(ep.Endpoint, []ux.Row{
			{Label: "Run ID", Value: ep.RunID},
			{Label: "Ticks", Value: count(ep.Ticks)},
			{Label: "Sent", Value: count(ep.Sent)},
			{Label: "Dropped", Value: count(ep.Dropped), Status: warnIf(ep.Dropped)},
			{Label: "Delayed", Value: count(ep.Delayed)},
			{Label: "Received", Value: count(ep.Received)},
			{Label: "Accepted", Value: count(ep.Accepted)},
			{Label: "Stale", Value: count(ep.Stale), Status: warnIf(ep.Stale)},
			{Label: "Corrupt", Value: count(ep.Corrupt), Status: warnIf(ep.Corrupt)},
			{Label: "Timeouts", Value: count(ep.Timeouts), Status: warnIf(ep.Timeouts)},
		})
	}

	missStatus := ux.IconSuccess
	if s.timing.DeadlineMisses > 0 {
		missStatus = ux.IconWarning
	}
	p.Table("Timing", []ux.Row{
		{Label: "Iterations", Value: count(s.timing.Iterations)},
		{Label: "Jitter mean", Value: s.timing.JitterMean.String()},
		{Label: "Jitter max", Value: s.timing.JitterMax.String()},
		{Label: "Jitter stddev", Value: s.timing.JitterStdDev.String()},
		{Label: "Deadline misses", Value: count(s.timing.DeadlineMisses), Status: missStatus},
		{Label: "Miss rate", Value: fmt.Sprintf("%.3f%%", s.timing.DeadlineMissRate*100)},
		{Label: "Elevated", Value: strconv.FormatBool(s.timing.Elevated)},
	})

	p.Table("Faults", []ux.Row{
		{Label: "Injected", Value: strconv.Itoa(s.faults.Injected)},
		{Label: "Removed", Value: strconv.Itoa(s.faults.Removed)},
		{Label: "Rejected", Value: strconv.Itoa(s.faults.Errors), Status: warnIf(uint64(s.faults.Errors))},
		{Label: "Scenarios", Value: strconv.Itoa(s.faults.ScenariosExecuted)},
	})

	if s.recorder != nil {
		p.Table("Recorder", []ux.Row{
			{Label: "Written", Value: count(s.recorder.Written)},
			{Label: "Dropped", Value: count(s.recorder.Dropped), Status: warnIf(s.recorder.Dropped)},
			{Label: "Failed", Value: count(s.recorder.Failed), Status: warnIf(s.recorder.Failed)},
		})
	}
}

// printReplay summarises journal records per endpoint.
func printReplay(p *ux.Printer, id string, records []recorder.Record) {
	if len(records) == 0 {
		p.Warning(fmt.Sprintf("no records for run %s", id))
		return
	}

	type span struct {
		n, fresh    int
		first, last time.Time
	}
	spans := make(map[string]*span)
	for _, r := range records {
		sp, ok := spans[r.Endpoint]
		if !ok {
			sp = &span{first: r.Time}
			spans[r.Endpoint] = sp
		}
		sp.n++
		if r.Fresh {
			sp.fresh++
		}
		sp.last = r.Time
	}

	names := make([]string, 0, len(spans))
	for name := range spans {
		names = append(names, name)
	}
	sort.Strings(names)

	p.Title("Run " + id)
	for _, name := range names {
		sp := spans[name]
		p.Table(name, []ux.Row{
			{Label: "Records", Value: strconv.Itoa(sp.n)},
			{Label: "Fresh", Value: strconv.Itoa(sp.fresh)},
			{Label: "First", Value: sp.first.Format(time.RFC3339Nano)},
			{Label: "Last", Value: sp.last.Format(time.RFC3339Nano)},
			{Label: "Span", Value: sp.last.Sub(sp.first).String()},
		})
	}
}
