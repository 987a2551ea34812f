// Package ids generates opaque, globally-unique identifiers and
// millisecond-resolution timestamps for every entity in the runtime.
package ids

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns an opaque identifier of the form prefix_<hex-timestamp>_<random-hex>.
// The identifier is a handle for correlation only; callers must not parse it.
func New(prefix string) string {
	ts := time.Now().UnixNano()
	rand := uuid.New()
	return fmt.Sprintf("%s_%016x_%s", prefix, ts, rand.String()[:8])
}

// NowMS returns the current time as Unix milliseconds.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// Prefixes used across the runtime's entity families.
const (
	PrefixEvent      = "evt"
	PrefixSession    = "sess"
	PrefixArtifact   = "art"
	PrefixTool       = "tool"
	PrefixApproval   = "appr"
	PrefixStep       = "step"
	PrefixTurn       = "turn"
	PrefixRequest    = "req"
)
