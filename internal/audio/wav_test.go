package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

var testFormat = Format{SampleRate: 8000, Channels: 1, PeriodFrames: 256, Periods: 4}

// encodeWAV lays a recording out the way finalize does: header, PCM, pad.
func encodeWAV(pcm []byte, f Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVHeader(&buf, f, int64(len(pcm))); err != nil {
		return nil, err
	}
	buf.Write(pcm)
	if len(pcm)%2 == 1 {
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

func TestWriteWAVHeader(t *testing.T) {
	// 440Hz sine wave for 0.1 seconds at 8kHz
	numSamples := 800
	pcm := make([]byte, numSamples*2)
	for i := 0; i < numSamples; i++ {
		s := int16(16383 * math.Sin(2*math.Pi*440*float64(i)/8000))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	wavData, err := encodeWAV(pcm, testFormat)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if len(wavData) != WAVHeaderSize+len(pcm) {
		t.Errorf("Expected WAV size %d, got %d", WAVHeaderSize+len(pcm), len(wavData))
	}

	if err := ValidateWAV(wavData); err != nil {
		t.Errorf("Generated WAV is invalid: %v", err)
	}

	if !bytes.Equal(wavData[WAVHeaderSize:], pcm) {
		t.Errorf("PCM payload was altered")
	}

	info, err := GetWAVInfo(wavData)
	if err != nil {
		t.Fatalf("Failed to get WAV info: %v", err)
	}

	if info.SampleRate != 8000 {
		t.Errorf("Expected sample rate 8000, got %d", info.SampleRate)
	}
	if info.Channels != 1 {
		t.Errorf("Expected 1 channel, got %d", info.Channels)
	}
	if info.BitsPerSample != 16 {
		t.Errorf("Expected 16 bits per sample, got %d", info.BitsPerSample)
	}
	if math.Abs(info.Duration-0.1) > 0.001 {
		t.Errorf("Expected duration 0.100, got %.3f", info.Duration)
	}
}

func TestWriteWAVHeaderEmptyAndOdd(t *testing.T) {
	empty, err := encodeWAV(nil, testFormat)
	if err != nil {
		t.Fatalf("encodeWAV(nil) failed: %v", err)
	}
	info, err := GetWAVInfo(empty)
	if err != nil {
		t.Fatalf("GetWAVInfo failed: %v", err)
	}
	if info.DataSize != 0 || info.NumFrames != 0 {
		t.Errorf("Expected empty data chunk, got %+v", info)
	}

	odd, err := encodeWAV([]byte{1, 2, 3}, testFormat)
	if err != nil {
		t.Fatalf("encodeWAV(odd) failed: %v", err)
	}
	if len(odd) != WAVHeaderSize+4 {
		t.Errorf("Expected pad byte after odd data chunk, size %d", len(odd))
	}
	if got := binary.LittleEndian.Uint32(odd[40:44]); got != 3 {
		t.Errorf("Expected data size 3, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(odd[4:8]); got != 36+4 {
		t.Errorf("Expected RIFF size 40, got %d", got)
	}
}

func TestWAVHeaderStereo(t *testing.T) {
	f := Format{SampleRate: 256000, Channels: 2, PeriodFrames: 4096, Periods: 4}
	h, err := NewWAVHeader(f, 1024)
	if err != nil {
		t.Fatalf("NewWAVHeader failed: %v", err)
	}
	if h.BlockAlign != 4 || h.ByteRate != 256000*4 {
		t.Errorf("Unexpected stereo header: %+v", h)
	}
}

func TestNewWAVHeaderRejects(t *testing.T) {
	if _, err := NewWAVHeader(Format{SampleRate: 0, Channels: 1}, 10); err == nil {
		t.Errorf("Expected error for zero sample rate")
	}
	if _, err := NewWAVHeader(testFormat, -1); err == nil {
		t.Errorf("Expected error for negative size")
	}
	if _, err := NewWAVHeader(testFormat, math.MaxUint32); err == nil {
		t.Errorf("Expected error for oversized data")
	}
}

func TestReadWAVInfo(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteWAVHeader(&buf, testFormat, 16000); err != nil {
		t.Fatalf("WriteWAVHeader failed: %v", err)
	}
	info, err := ReadWAVInfo(&buf)
	if err != nil {
		t.Fatalf("ReadWAVInfo failed: %v", err)
	}
	if info.NumFrames != 8000 || info.Duration != 1 {
		t.Errorf("Unexpected info: %+v", info)
	}

	if _, err := ReadWAVInfo(bytes.NewReader([]byte("RIFF"))); err == nil {
		t.Errorf("Expected error for truncated header")
	}
}

func TestValidateWAV(t *testing.T) {
	valid, _ := encodeWAV([]byte{0, 0}, testFormat)

	tests := []struct {
		name    string
		mutate  func([]byte) []byte
		wantErr bool
	}{
		{"valid", func(b []byte) []byte { return b }, false},
		{"too short", func(b []byte) []byte { return b[:20] }, true},
		{"bad riff", func(b []byte) []byte { c := append([]byte{}, b...); copy(c, "RIFX"); return c }, true},
		{"bad wave", func(b []byte) []byte { c := append([]byte{}, b...); copy(c[8:], "WAVX"); return c }, true},
		{"bad data", func(b []byte) []byte { c := append([]byte{}, b...); copy(c[36:], "list"); return c }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWAV(tt.mutate(valid))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateWAV() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
