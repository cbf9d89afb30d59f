/*
Package monitoring provides performance monitoring and metrics collection.

# Overview

This package implements Prometheus-based metrics collection for the front
door, tracking HTTP requests, worker dispatch outcomes, streaming relay
volume, upstream calls and tunnel traffic.

# Usage

	// Create metrics collector
	metrics := monitoring.NewMetrics()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record dispatch outcomes
	metrics.RecordDispatch("acct-a", "acked")

Metrics are exposed via the standard promhttp handler on /metrics.
*/
package monitoring
