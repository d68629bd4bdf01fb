package audio

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ArtifactExt is the extension of finalized recordings.
const ArtifactExt = ".wav"

const artifactTimeLayout = "2006_01_02_15_04_05"

// ArtifactName returns the file name of the recording captured by device
// index dev in the round that started at start, e.g.
// PZOrec_2024_05_01_13_37_00_Udev0.wav. Names sort by capture time.
func ArtifactName(prefix string, start time.Time, dev int) string {
	return fmt.Sprintf("%s_%s_Udev%d%s", prefix, start.UTC().Format(artifactTimeLayout), dev, ArtifactExt)
}

// ParseArtifactName is the inverse of ArtifactName.
func ParseArtifactName(name string) (prefix string, start time.Time, dev int, err error) {
	base, ok := strings.CutSuffix(name, ArtifactExt)
	if !ok {
		return "", time.Time{}, 0, fmt.Errorf("artifact %q: missing %s extension", name, ArtifactExt)
	}

	i := strings.LastIndex(base, "_Udev")
	if i < 0 {
		return "", time.Time{}, 0, fmt.Errorf("artifact %q: missing device index", name)
	}
	dev, err = strconv.Atoi(base[i+len("_Udev"):])
	if err != nil || dev < 0 {
		return "", time.Time{}, 0, fmt.Errorf("artifact %q: bad device index", name)
	}

	rest := base[:i]
	if len(rest) < len(artifactTimeLayout)+2 {
		return "", time.Time{}, 0, fmt.Errorf("artifact %q: missing timestamp", name)
	}
	ts := rest[len(rest)-len(artifactTimeLayout):]
	start, err = time.ParseInLocation(artifactTimeLayout, ts, time.UTC)
	if err != nil {
		return "", time.Time{}, 0, fmt.Errorf("artifact %q: bad timestamp: %w", name, err)
	}

	prefix = strings.TrimSuffix(rest[:len(rest)-len(artifactTimeLayout)], "_")
	if prefix == "" {
		return "", time.Time{}, 0, fmt.Errorf("artifact %q: missing prefix", name)
	}

	return prefix, start, dev, nil
}
