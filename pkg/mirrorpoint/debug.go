package mirrorpoint

import (
	"os"
)

// DebugEnabled controls whether or not debugging is enabled for Mirrorpoint.
// It is set automatically based on the MIRRORPOINT_DEBUG environment variable.
var DebugEnabled bool

// init performs global initialization.
func init() {
	DebugEnabled = os.Getenv("MIRRORPOINT_DEBUG") == "1"
}
