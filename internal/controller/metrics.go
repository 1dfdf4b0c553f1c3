// Copyright 2024 Alexandre Mahdhaoui
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

package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters are registered on the default registry; an embedding binary that
// serves /metrics picks them up automatically.
var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vmsession",
		Name:      "sessions_started_total",
		Help:      "Number of ephemeral sessions started successfully.",
	})

	sessionsStopped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vmsession",
		Name:      "sessions_stopped_total",
		Help:      "Number of sessions stopped successfully.",
	})

	sessionStartFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vmsession",
		Name:      "session_start_failures_total",
		Help:      "Number of failed session start attempts.",
	})

	displayEndpointPolls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vmsession",
		Name:      "display_endpoint_polls_total",
		Help:      "Number of live document polls while waiting for a display endpoint.",
	})
)
