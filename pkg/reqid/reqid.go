package reqid

import (
	"fmt"
	"os"
	"sync/atomic"
)

var (
	prefix  string
	counter uint64
)

func init() {
	hostname, err := os.Hostname()
	if hostname == "" || err != nil {
		hostname = "localhost"
	}
	prefix = hostname
}

// NextRequestID generates the next request id in the sequence, scoped to
// this process by hostname.
func NextRequestID() string {
	return fmt.Sprintf("%s-%09d", prefix, atomic.AddUint64(&counter, 1))
}

// NextTaskID generates a request id for a background task run, so task log
// lines correlate the same way request-scoped ones do.
func NextTaskID(task string) string {
	return fmt.Sprintf("%s-%s", task, NextRequestID())
}
