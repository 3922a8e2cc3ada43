// Package session implements the session coordinator: the single owner of
// every conversation's state and of the reply streams feeding it.
//
// # Architecture Overview
//
// The Coordinator is an actor. One goroutine, started with Run, drains an
// unbounded mailbox of closures and is the only code that reads or writes
// the session map. Work that blocks (snapshot loads, reading reply
// streams) runs on separate goroutines that post their results back to
// the mailbox, so while one session waits on the network every other
// session keeps being serviced.
//
// # Operations
//
// Operations are submitted with Do and complete through a callback that
// runs on the loop:
//
//	coord.Do(session.Op{Kind: session.OpLoad, SessionID: id}, func(r session.Result) {
//		// r.State, r.Err
//	})
//
// Blocking wrappers (Init, Load, StartStream, StopStream, UpdateSession,
// Destroy, EvictIdle, State, All) are provided for callers that live on
// their own goroutine.
//
// # Deltas
//
// Every change is expressed as a types.Delta, applied to the owning entry
// and handed to the Sink in order. The façade rebuilds identical snapshots
// by applying the same deltas to its mirror.
//
// # Streams and Cancellation
//
// Each streaming session holds one handle: a context.CancelFunc and a
// generation number. The stream pump hands the loop one event at a time
// and waits for it to be applied before reading the next. Stopping,
// restarting or destroying a session clears the handle, so any event the
// pump delivers afterwards carries a stale generation and is dropped. A
// cancelled stream resolves its caller with a nil error and records
// nothing on the session.
//
// # Eviction
//
// EvictIdle removes the least recently updated sessions beyond a limit.
// Streaming sessions are filtered out before candidates are ordered, so
// they are never evicted regardless of age.
package session
