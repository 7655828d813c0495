package capture

import (
	"fmt"
	"strings"
	"time"
)

// Parse builds a Source from "dir:<path>" or "cmd:<command line>". Frames
// are scaled down to maxDimension; zero means DefaultMaxDimension.
func Parse(spec string, timeout time.Duration, maxDimension int) (Source, error) {
	if maxDimension == 0 {
		maxDimension = DefaultMaxDimension
	}

	kind, arg, ok := strings.Cut(strings.TrimSpace(spec), ":")
	if !ok || strings.TrimSpace(arg) == "" {
		return nil, fmt.Errorf("invalid capture source %q: want dir:<path> or cmd:<command>", spec)
	}

	switch kind {
	case "dir":
		return NewDirSource(strings.TrimSpace(arg), maxDimension)
	case "cmd":
		return NewCommandSource(arg, timeout, maxDimension)
	default:
		return nil, fmt.Errorf("unknown capture source kind %q", kind)
	}
}
