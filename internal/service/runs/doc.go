// Package runs tracks the status of program runs.
//
// States:
//   - STARTING -> RUNNING | STOPPING | COMPLETED | FAILED | KILLED
//   - RUNNING -> STOPPING | COMPLETED | FAILED | KILLED
//   - STOPPING -> STOPPED | FAILED | KILLED
//
// STOPPED, COMPLETED, FAILED and KILLED are terminal. A program with no
// non-terminal run is STOPPED.
//
// Runtime reports are applied with compare-and-set on the stored status, so
// re-delivered reports are harmless and a terminal status is never
// overwritten. Every non-terminal run carries a deadline; Reconcile asks the
// runtime about runs whose deadline passed and replaces the assumed state
// with the runtime's answer. A run the runtime has no record of is FAILED.
//
// Auditing:
//   - Launches, stop requests and terminal transitions emit one audit event.
//   - Rejected reports do not emit audit events.
package runs
