// Package audio defines the capture device abstraction, the arecord and
// synthetic tone drivers, WAV container helpers and recording file naming.
package audio
