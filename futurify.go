package reactorloop

// safeRun executes fn, recovering any panic into a *PanicError. It is the
// loop's "caught at the cycle boundary" policy (spec §7): a single
// faulty task, channel callback, or scheduled task can never bring down
// the loop goroutine.
func safeRun(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	fn()
	return nil
}

// runAndSettle executes fn on the calling (loop) goroutine and settles
// future with the outcome: resolved with the returned value on success,
// rejected with the error (wrapped in a *PanicError if fn panicked).
func runAndSettle(future *Future, fn func() (any, error)) {
	var (
		value any
		fnErr error
	)
	panicErr := safeRun(func() {
		value, fnErr = fn()
	})
	if panicErr != nil {
		future.reject(panicErr)
		return
	}
	if fnErr != nil {
		future.reject(fnErr)
		return
	}
	future.resolve(value)
}
