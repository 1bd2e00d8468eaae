package pipeline

import (
	"fmt"
	"os"
)

var debugEnabled = os.Getenv("TURNSTILE_DEBUG") != ""

// debugf writes diagnostic output to stderr when TURNSTILE_DEBUG is set.
func debugf(format string, args ...any) {
	if !debugEnabled {
		return
	}
	fmt.Fprintf(os.Stderr, "turnstile: "+format+"\n", args...)
}
