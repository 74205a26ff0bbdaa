// dlb is an incremental build runtime.
// Copyright (C) 2026  dlb contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics centralizes the prometheus collectors of the redo
// engine (the sequencer builds its own gauges), so a host process registers one set of
// instruments regardless of how many working trees it drives.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Redo holds the collectors the redo engine reports to.
type Redo struct {
	Total    *prometheus.CounterVec
	Duration prometheus.Histogram
}

// NewRedo builds and, if reg is non-nil, registers a Redo metrics set.
func NewRedo(reg prometheus.Registerer) *Redo {
	r := &Redo{
		Total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlb_redo_total",
			Help: "Tool instance redo decisions, by result.",
		}, []string{"result"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dlb_redo_duration_seconds",
			Help:    "Wall-clock duration of completed redo bodies.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(r.Total, r.Duration)
	}
	return r
}
