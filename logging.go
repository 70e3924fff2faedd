package reactorloop

import (
	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// NewZerologLogger builds the production default logging backend: a
// logiface facade over zerolog, type-erased to *logiface.Logger[logiface.Event]
// so it fits [WithLogger] regardless of which concrete Event type the
// zerolog adapter uses internally. Grounded on the teacher's own pluggable
// Logger design and the logiface-zerolog ("izerolog") sibling module,
// promoted here to production use per the rule that an ecosystem logging
// library always wins over a bespoke one.
func NewZerologLogger(z zerolog.Logger, level logiface.Level) *logiface.Logger[logiface.Event] {
	return izerolog.L.New(
		izerolog.L.WithZerolog(z),
		izerolog.L.WithLevel(level),
	).Logger()
}

// logRebuild emits the warn-level "selector rebuilt" line spec §6
// Observability calls for, one per C8 rebuild, carrying the cumulative
// rebuild count. Rate-limited via the loop's catrate.Limiter (if any),
// guarding against a flapping selector turning into a logging
// denial-of-service.
func (l *Loop) logRebuild(migrated int) {
	if l.opts.rebuildLimiter != nil {
		if _, ok := l.opts.rebuildLimiter.Allow("rebuild"); !ok {
			return
		}
	}
	l.opts.logger.Warning().
		Int64(`rebuildCount`, l.rebuildCount.Load()).
		Int(`migratedChannels`, migrated).
		Log(`reactorloop: selector rebuilt`)
}

// logRebuildFailed is emitted when a C8 rebuild itself fails to allocate a
// fresh selector; the loop carries on with the existing (malfunctioning)
// selector rather than crash.
func (l *Loop) logRebuildFailed(err error) {
	l.opts.logger.Warning().
		Err(err).
		Log(`reactorloop: selector rebuild failed, continuing with existing selector`)
}

// logSelectorError is emitted for a select() failure that is about to
// trigger a rebuild.
func (l *Loop) logSelectorError(err error) {
	l.opts.logger.Warning().
		Err(err).
		Int64(`selectCountSinceReset`, int64(l.selectCnt)).
		Log(`reactorloop: selector malfunction, rebuilding`)
}

// logTransientIOError is the warn-level "one line per transient-I/O
// channel close" line (spec §6 Observability).
func (l *Loop) logTransientIOError(ch Channel, err error) {
	l.opts.logger.Warning().
		Int(`fd`, ch.FD()).
		Err(err).
		Log(`reactorloop: transient I/O error, closing channel`)
}

// logTaskPanic is emitted whenever a task, scheduled task, or user-task
// readiness callback panics and is recovered by safeRun.
func (l *Loop) logTaskPanic(err error) {
	l.opts.logger.Warning().
		Err(err).
		Log(`reactorloop: recovered panic in submitted task`)
}

// logCancelledKeyObserved is the debug-level "one line per unexpected
// cancelled-key observation" line (spec §6 Observability): a cancelled key
// was still present in a readiness walk, meaning reapCancelled hasn't yet
// caught up with it.
func (l *Loop) logCancelledKeyObserved(fd int) {
	l.opts.logger.Debug().
		Int(`fd`, fd).
		Log(`reactorloop: observed cancelled key during dispatch`)
}
