package gstdriver

import (
	"strings"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// classify maps a GStreamer error to the kind reported through OnError.
//
// Sensor stalls (timeouts, failed reads, exhausted buffers) are capture
// timeouts and go through automatic recovery; negotiation and plugin
// failures are driver faults that a restart will not fix.
//
// Classification is based on message heuristics: go-gst's GError does not
// expose the error domain.
func classify(errMsg, debugStr string) hal.ErrorKind {
	combined := strings.ToLower(errMsg + " " + debugStr)

	if containsAny(combined, faultKeywords) {
		return hal.ErrorDriverFault
	}
	if containsAny(combined, stallKeywords) {
		return hal.ErrorCaptureTimeout
	}
	return hal.ErrorDriverFault
}

var faultKeywords = []string{
	"not negotiated",
	"negotiation",
	"missing plugin",
	"no such element",
	"permission denied",
	"cannot identify device",
	"not a capture device",
}

var stallKeywords = []string{
	"timeout",
	"timed out",
	"could not read",
	"failed to allocate",
	"poll error",
	"resource temporarily unavailable",
	"device busy",
	"no buffer",
	"internal data stream error",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
