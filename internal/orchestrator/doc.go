// Package orchestrator runs validated plans.
//
// # Overview
//
// A RunManager drives one goroutine per run. Each run walks the plan's
// dependency graph one step at a time and records everything it does in a
// RunManifest, the artifact store and the audit trail.
//
// # Run states
//
//	created → running → {paused, success, failed, aborted}
//	paused  → running | aborted
//
// success, failed and aborted are terminal. A terminal manifest is sealed:
// the manifest store refuses to overwrite it.
//
// # Step lifecycle
//
// Among pending steps whose dependencies are all completed, the first in
// declaration order runs next:
//
//  1. Approval. A step that requires approval opens an ApprovalRequest and the
//     run is paused with the request id as its resumption token. The driving
//     goroutine blocks on the gate until a decision arrives. Requests within
//     the run's auto-approve ceiling are approved immediately by policy,
//     except critical ones. Denial and timeout fail the step without retry.
//  2. Invocation. The input is stored as an artifact, the tool is invoked
//     with the step deadline, and the result is stored as an artifact.
//  3. Verification. The output is checked against the step's expectation.
//  4. Failure. Tool errors, timeouts and expectation mismatches are retried
//     with exponential backoff. When retries run out, a rollback action is
//     invoked if the step has one and the run carries on. Without one the
//     run pauses for an operator to resume or stop it.
//
// # Stopping
//
// A plain stop lets the in-flight invocation finish, then aborts the run
// without further retries or rollbacks. A forced stop cancels the invocation,
// records the step as skipped and aborts at once; a late result is dropped.
// Either way approval waits and backoff sleeps are interrupted.
//
// # Concurrency
//
// The per-run mutex guards the manifest and control flags. It is never held
// while waiting on a tool, an approval or a backoff timer.
package orchestrator
