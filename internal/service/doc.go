package service

// Package service implements execution of operator scripts and relays their
// output while they run.
//
// Overview
// The Executor is the entry point. It resolves a script name through the
// ScriptCatalog, admits the run in the RunRegistry, spawns the child as a
// Process and hands the raw output to a LineStreamer which feeds a bounded
// channel read by the caller.
//
// Process is a thin, opinionated wrapper around os/exec:
//   - starts the child in its own process group
//   - points stdout and stderr to one pipe, keeping the write order
//   - reaps the child in a goroutine
//   - terminates the whole group with SIGTERM, then SIGKILL after a grace period
//
// Data flow:
//
//   caller             Executor            RunRegistry      Process        LineStreamer
//     |                   |                     |              |                |
//     | Run(name) ------->| Resolve (catalog)   |              |                |
//     |                   | TryAdmit ---------->|              |                |
//     |                   | Start ------------------------------>| pipe         |
//     |                   | pump goroutine ------------------------------------>| ReadSlice('\n')
//     |<------------------------- Lines() (bounded chan) ------------------------|
//     |                   | Wait, classify      |              |                |
//     |                   | Complete ---------->|              |                |
//     |<-- Wait() status -|                     |              |                |
//
// Cancelling the caller context, Execution.Cancel and RunRegistry.Cancel all
// terminate the process group. The run then completes as Cancelled.
//
// Invariants:
//   - At most one Pending or Running run per script name, decided in one
//     critical section of the RunRegistry.
//   - The registry lock is never held while waiting on a child.
//   - Every started child is reaped, on every path.
//   - Joining Line.Text values, each terminated one followed by "\n",
//     gives back the exact bytes of the child output.
//   - A slow consumer blocks the streamer, and the full pipe blocks the child.
//   - The catalog only resolves regular files directly under its directory.
//
// WatchCatalog and the Syncer keep the catalog in sync with the scripts
// directory, after edits and after fetches. NewScheduler runs the Syncer
// periodically.
