package core

import "strings"

// transientMarkers are substrings of error messages the external KV-store
// queue backend treats as transient and worth reconnecting for, mirroring
// the teacher's preference for explicit, reviewable string classification
// over guessing at error types across driver boundaries.
var transientMarkers = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"i/o timeout",
	"eof",
	"read only replica",
	"readonly you can't write against a read only replica",
}

// IsTransient reports whether err looks like a transient connectivity
// error worth retrying, as opposed to a permanent configuration or
// protocol error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
