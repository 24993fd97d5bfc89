package database

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// forceExit ends the process when a second shutdown signal arrives while
// the first is still being handled. Tests replace it.
var forceExit = func() { os.Exit(130) }

// SetupSignalHandler returns a context cancelled on the first SIGINT or
// SIGTERM. A second signal exits immediately.
func SetupSignalHandler() context.Context {
	return SetupSignalHandlerWithCallback(nil)
}

// SetupSignalHandlerWithCallback is SetupSignalHandler with a hook that runs
// before the context is cancelled. Reconstruction uses the window between
// the first signal and exit to write its interruption snapshots.
func SetupSignalHandlerWithCallback(callback func(os.Signal)) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-sigs:
			if callback != nil {
				callback(sig)
			}
			cancel()
		case <-ctx.Done():
			signal.Stop(sigs)
			return
		}
		<-sigs
		forceExit()
	}()

	return ctx
}
