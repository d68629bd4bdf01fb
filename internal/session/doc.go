// Package session manages recording sessions on a capture node.
//
// A session is started by a START_RECORDING command and runs in the
// background: it records one capture round, finalizes the recordings,
// records which files are new and applies the retention window.
package session
