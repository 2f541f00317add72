// Package server exposes the HTTP API: recording control for headless
// or scripted use, history browsing, health/stats endpoints and
// Prometheus metrics.
package server
