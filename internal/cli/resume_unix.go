//go:build unix

package cli

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyResume delivers SIGCONT, which a stopped process receives when
// its host lets it run again.
func notifyResume(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGCONT)
}
