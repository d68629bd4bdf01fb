// Package server implements the node's TCP command server and its HTTP
// monitoring API. Each accepted command connection is served by its own
// handler; a failure while handling a request closes only that connection.
package server
