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

package ports

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocatedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plugind_ports_allocated",
		Help: "Number of loopback ports currently leased to workers.",
	})

	exhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plugind_ports_exhausted_total",
		Help: "Allocation attempts that failed after exhausting the attempt budget.",
	})
)
