/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package buildsupervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runningBuilds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_builds_running",
		Help: "Number of build processes currently registered.",
	})

	buildOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_build_outcomes_total",
		Help: "Completed builds by outcome.",
	}, []string{"outcome"})
)
