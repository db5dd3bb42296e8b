package sigcontext

import (
	"context"
	"os"
	"os/signal"
	"sync"
)

// WithSignalCancel is a context that will cancel itself when one of sigs is
// delivered to the process. The first signal received is passed to notify, if
// given, before the context is cancelled. The cancel function returned is
// responsible for freeing the signal handlers used and must be called.
func WithSignalCancel(ctx context.Context, notify func(os.Signal), sigs ...os.Signal) (context.Context, context.CancelFunc) {
	sigctx, ctxcancel := context.WithCancel(ctx)

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, sigs...)

	var once sync.Once
	cancel := func() {
		ctxcancel()
		once.Do(func() {
			signal.Stop(sigchan)
		})
	}

	go func() {
		select {
		case <-sigctx.Done():
		case sig := <-sigchan:
			if notify != nil {
				notify(sig)
			}
			ctxcancel()
		}
	}()

	return sigctx, cancel
}
