// Package metrics defines the Prometheus collectors exported by the capture service.
// All Record methods are safe to call on a nil *Metrics, so components can run
// without a registry in tests.
package metrics
