// Package capture synchronizes local multi-device recording on a node.
//
// A Coordinator runs one recorder and one drain per device. Recorders meet at
// a start gate that opens when every device is ready and the scheduled start
// instant has been reached, read fixed-size chunks into unbounded per-device
// queues, and stop when the round's duration has elapsed. Drains append the
// chunks to temporary fragments. Stop joins everything and then assembles one
// WAV recording per device.
package capture
