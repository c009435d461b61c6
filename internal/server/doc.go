// Package server implements the optional HTTP API of the capture service:
// health, statistics, configuration and Prometheus metrics endpoints, device
// control (gain, status) and a websocket feed of segment events.
package server
