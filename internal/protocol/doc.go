// Package protocol implements the node command protocol: newline-terminated
// ASCII request and response lines with '#'-separated fields.
package protocol
