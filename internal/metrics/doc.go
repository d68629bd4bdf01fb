// Package metrics defines the Prometheus collectors exported by the capture
// node and the fleet controller.
package metrics
