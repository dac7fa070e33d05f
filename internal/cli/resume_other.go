//go:build !unix

package cli

import "os"

// notifyResume is a no-op where the host has no continue signal.
func notifyResume(ch chan<- os.Signal) {}
