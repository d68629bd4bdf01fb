// Package fleet schedules synchronized capture rounds across the node
// registry.
//
// A round starts on the next time-grid boundary that leaves every node
// enough lead to arm its recorders. Nodes that fail a liveness probe, refuse
// the start command or stop answering while the round is polled are
// excluded from that round only; the round itself never aborts because of a
// single node.
//
// Completion is decided per call of IsCaptureComplete, one polling round at
// a time. AwaitCompletion wraps it in a deadline and reports rounds that
// were declared complete without every participant's confirmation as
// PARTIAL_FAILURE.
package fleet
