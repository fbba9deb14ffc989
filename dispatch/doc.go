// Package dispatch provides the serialization domains the unet engines run on.
//
// A Queue runs submitted tasks one at a time on a single goroutine. Each
// engine owns one Queue and mutates its tables only from tasks on it, so the
// tables need no locks. Socket callbacks and timer expiries hop onto the
// owning queue with Async before touching engine state.
//
// Timeout is a one-shot timer whose callback runs on a Queue and is skipped
// if the timeout was cancelled first. Ticker is a periodic timer that can be
// suspended and resumed, also delivering onto a Queue.
//
// Both timers read time through a TimeProvider. RealTimeProvider uses the
// standard library; ManualClock lets tests advance virtual time and fire
// timers deterministically.
package dispatch
