// Package client implements the fleet controller's side of the node command
// protocol. Failures to reach a node are reported as NODE_UNRESPONSIVE so
// callers can exclude the node instead of aborting.
package client
