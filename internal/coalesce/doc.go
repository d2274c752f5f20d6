// Package coalesce collapses bursts of inbound messages from one sender into a
// single unit of work.
//
// Each sender gets its own Coalescer with a debounce timer: fragments that
// arrive within the window of each other are joined with a single space and
// handed to the sender's Handler exactly once. A fragment that arrives while
// that handler is still running cancels it (through its context) and the
// cancelled batch is placed ahead of the new fragment for the next flush, so
// a newer burst always supersedes a stale reply.
//
// Handler contract:
//   - The ctx passed to a Handler is cancelled when the flush is preempted or
//     the Engine is closed. Handlers should stop promptly; anything they have
//     already done is not rolled back by this package.
//   - A Handler error (or panic) is logged and the batch is dropped. It is not
//     re-queued, unlike a preempted batch.
//   - The engine imposes no timeout on a Handler.
//
// State lives in memory only; nothing survives a restart.
package coalesce
