// Package catalog tracks the recordings a node produced in its last round
// and applies the storage retention window.
package catalog
