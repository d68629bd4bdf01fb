// Package errors defines the structured error type shared by the capture
// node and the fleet controller. Codes let callers tell programmer mistakes
// (invalid argument, already running) apart from degraded fleet outcomes.
package errors
