package os

import (
	"os"
	"os/signal"
	"syscall"
)

// ExpectTermination returns a channel that is closed
// on the first interrupt or termination signal.
func ExpectTermination() <-chan struct{} {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		<-signals
		signal.Stop(signals)
		close(done)
	}()
	return done
}
