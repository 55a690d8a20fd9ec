// Copyright 2025 Agentside
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plugind_workers_running",
		Help: "Number of live worker processes in the registry.",
	})

	workerStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plugind_worker_starts_total",
		Help: "Worker start attempts by result.",
	}, []string{"result"})

	workerStopsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plugind_worker_stops_total",
		Help: "Explicit worker stops.",
	})

	workerCrashesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plugind_worker_crashes_total",
		Help: "Worker processes that exited non-cleanly.",
	})

	workerStartDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "plugind_worker_start_duration_seconds",
		Help:    "Time from start request to readiness.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
	})
)
