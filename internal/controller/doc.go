// Package controller owns the controller side of the worker bus.
//
// Ownership boundary:
// - correlation id assignment and the pending-request table
// - the broadcast subscriber registry
// - routing of inbound frames (responses, broadcasts, log and fault side-channel)
//
// Lifecycle:
// - New/Open/Dial -> SendMessage/Subscribe ... -> Terminate
//
// - ids start at 1 and are never reused by one bus.
//
// - Terminate closes the channel without draining; pending entries stay
//   unresolved unless they carry a deadline, whose timers are stopped too.
//
// Callbacks and subscribers run one at a time, never concurrently with each
// other. They must not block waiting on another response from the same bus.
package controller
