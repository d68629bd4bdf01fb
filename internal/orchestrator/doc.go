// Package orchestrator runs a sequence of fleet capture rounds.
//
// The capture stage schedules a round, waits for it to complete and lists
// the recordings of every participant. It then hands the listing to the
// retrieval stage over a queue and moves on to the next round, so files are
// copied off the nodes while they record again.
package orchestrator
