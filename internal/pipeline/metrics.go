package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	extractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casepipe_extractions_total",
		Help: "File extractions by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	extractionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "casepipe_extraction_duration_seconds",
		Help:    "Time spent running an extraction strategy.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"strategy"})

	analysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casepipe_analyses_total",
		Help: "Case analyses by outcome.",
	}, []string{"outcome"})

	analysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "casepipe_analysis_duration_seconds",
		Help:    "Wall time of a case analysis, including the provider call.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
)
