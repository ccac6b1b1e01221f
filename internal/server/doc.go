// Package server implements the HTTP control API of the recorder service.
// It exposes the start, stop and submit controls of the recording session
// together with health, configuration, statistics and Prometheus endpoints.
package server
