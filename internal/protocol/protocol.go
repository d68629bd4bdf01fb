package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Wire constants. Every request and response is one line of ASCII text,
// terminated by Terminator, with fields separated by Separator.
const (
	Separator  = "#"
	Terminator = '\n'

	// Requests
	CmdIsCaptureComplete     = "IS_CAPTURE_COMPLETE"
	CmdListAudioFiles        = "LIST_AUDIO_FILES"
	CmdReset                 = "RESET"
	CmdStartRecording        = "START_RECORDING"
	CmdStartCalibration      = "START_CALIBRATION"
	CmdIsCalibrationComplete = "IS_CALIBRATION_COMPLETE"

	// Responses
	RespCaptureComplete = "CAPTURE_COMPLETE"
	RespNotComplete     = "False"
	RespFiles           = "FILES"
	RespReset           = "RESET"
	RespRecStart        = "REC_START"
	RespAlreadyRunning  = "Capture already running"
	RespUnknownCommand  = "Unknown command"
	RespStartFailed     = "Capture start failed"

	// RecStartLayout formats the start instant in a REC_START reply.
	RecStartLayout = "2006-01-02_15-04-05"

	// MaxLineLength bounds a single request or response line.
	MaxLineLength = 64 * 1024
)

// Request is a parsed command line.
type Request struct {
	Command  string
	Duration time.Duration // START_RECORDING only
	StartAt  time.Time     // START_RECORDING only
}

// ParseRequest parses one request line. Unrecognized commands are returned
// as-is; only a malformed START_RECORDING is an error.
func ParseRequest(line string) (*Request, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty request")
	}

	fields := strings.Split(line, Separator)
	req := &Request{Command: fields[0]}

	if req.Command != CmdStartRecording {
		if len(fields) > 1 {
			// Arguments on a fixed command make it a different command.
			req.Command = line
		}
		return req, nil
	}

	if len(fields) != 3 {
		return nil, fmt.Errorf("START_RECORDING expects 2 arguments, got %d", len(fields)-1)
	}

	seconds, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", fields[1], err)
	}
	if seconds <= 0 || math.IsInf(seconds, 0) || math.IsNaN(seconds) {
		return nil, fmt.Errorf("duration must be positive, got %q", fields[1])
	}

	startAt, err := ParseEpoch(fields[2])
	if err != nil {
		return nil, fmt.Errorf("invalid start instant %q: %w", fields[2], err)
	}

	req.Duration = time.Duration(seconds * float64(time.Second))
	req.StartAt = startAt
	return req, nil
}

// FormatStartRecording builds a START_RECORDING request.
func FormatStartRecording(duration time.Duration, startAt time.Time) string {
	return CmdStartRecording + Separator +
		strconv.FormatFloat(duration.Seconds(), 'f', -1, 64) + Separator +
		FormatEpoch(startAt)
}

// FormatEpoch renders t as fractional Unix seconds.
func FormatEpoch(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', -1, 64)
}

// ParseEpoch parses fractional Unix seconds.
func ParseEpoch(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	if f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return time.Time{}, fmt.Errorf("out of range")
	}
	sec, frac := math.Modf(f)
	// Microsecond resolution is all the wire format carries.
	usec := math.Round(frac * 1e6)
	return time.Unix(int64(sec), int64(usec)*int64(time.Microsecond)), nil
}

// RecStart is the reply to an accepted START_RECORDING.
type RecStart struct {
	StartAt time.Time     // second resolution, UTC
	Lead    time.Duration // time from the node's receipt to the start instant
}

// Format renders the REC_START reply. Lead is rendered to a tenth of a
// second and is negative if the instant has already passed.
func (r *RecStart) Format() string {
	return RespRecStart + Separator +
		r.StartAt.UTC().Format(RecStartLayout) + Separator +
		strconv.FormatFloat(r.Lead.Seconds(), 'f', 1, 64)
}

// FormatRecStart builds the REC_START reply for a request received at now.
func FormatRecStart(startAt, now time.Time) string {
	return (&RecStart{StartAt: startAt, Lead: startAt.Sub(now)}).Format()
}

// ParseRecStart parses a REC_START reply.
func ParseRecStart(resp string) (*RecStart, error) {
	fields := strings.Split(strings.TrimSpace(resp), Separator)
	if fields[0] != RespRecStart {
		return nil, fmt.Errorf("not a REC_START reply: %q", resp)
	}
	if len(fields) != 3 {
		return nil, fmt.Errorf("REC_START expects 2 fields, got %d", len(fields)-1)
	}

	startAt, err := time.ParseInLocation(RecStartLayout, fields[1], time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid start instant %q: %w", fields[1], err)
	}
	lead, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid lead %q: %w", fields[2], err)
	}

	return &RecStart{
		StartAt: startAt,
		Lead:    time.Duration(lead * float64(time.Second)),
	}, nil
}

// IsRecStart reports whether resp accepts a START_RECORDING.
func IsRecStart(resp string) bool {
	return strings.HasPrefix(strings.TrimSpace(resp), RespRecStart)
}

// FormatCompletion builds the IS_CAPTURE_COMPLETE reply.
func FormatCompletion(complete bool) string {
	if complete {
		return RespCaptureComplete
	}
	return RespNotComplete
}

// ParseCompletion reports whether resp says the capture is complete. Any
// other reply counts as not complete.
func ParseCompletion(resp string) bool {
	return strings.TrimSpace(resp) == RespCaptureComplete
}

// FormatFileList builds the LIST_AUDIO_FILES reply.
func FormatFileList(names []string) string {
	var b strings.Builder
	b.WriteString(RespFiles)
	b.WriteString(Separator)
	b.WriteString(strconv.Itoa(len(names)))
	for _, n := range names {
		b.WriteString(Separator)
		b.WriteString(n)
	}
	return b.String()
}

// ParseFileList parses a LIST_AUDIO_FILES reply. The announced count must
// match the names that follow.
func ParseFileList(resp string) ([]string, error) {
	fields := strings.Split(strings.TrimSpace(resp), Separator)
	if fields[0] != RespFiles {
		return nil, fmt.Errorf("not a FILES reply: %q", resp)
	}
	if len(fields) < 2 {
		return nil, fmt.Errorf("FILES reply without count")
	}

	count, err := strconv.Atoi(fields[1])
	if err != nil || count < 0 {
		return nil, fmt.Errorf("invalid file count %q", fields[1])
	}

	names := fields[2:]
	if len(names) != count {
		return nil, fmt.Errorf("file count mismatch: announced %d, got %d", count, len(names))
	}
	for _, n := range names {
		if n == "" {
			return nil, fmt.Errorf("empty file name in FILES reply")
		}
	}
	return names, nil
}

// ValidateFileName reports whether name can be carried in a FILES reply.
func ValidateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("empty file name")
	}
	if strings.Contains(name, Separator) || strings.ContainsAny(name, "\r\n") {
		return fmt.Errorf("file name %q contains a reserved character", name)
	}
	return nil
}

// String returns a human-readable representation of the request.
func (r *Request) String() string {
	if r.Command == CmdStartRecording {
		return fmt.Sprintf("Request{Command:%s, Duration:%s, StartAt:%s}",
			r.Command, r.Duration, r.StartAt.UTC().Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("Request{Command:%s}", r.Command)
}
