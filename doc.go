// Package handover implements the account lifecycle of a school community
// backend: credential based sessions, single use reset and claim tokens, and
// the graduation handover that moves an account from an institutional
// identity to a personal one without creating a second record.
//
// Account lifecycle:
//   - Accounts are created at signup or imported from a roster. Institutional
//     accounts carry a UIN; personal accounts do not.
//   - HandoverStateMachine owns the transition graph
//     institutional -> pending -> personal. Admin handover and self-service
//     handover skip the pending state, magic link claims go through it.
//   - Every completed handover appends an immutable HandoverEntry to the
//     history ledger inside the same transaction that mutates the account.
//
// Tokens:
//   - TokenRegistry issues password reset codes and graduation claim links.
//     Only SHA-256 digests are persisted. Issuing a token supersedes any live
//     token for the same account and purpose, and consumption is a compare and
//     set on the token row executed in the same transaction as its effect.
//
// Activity sinks:
//   - ActivitySink receives audit events (signin, password reset, claim link
//     issued, handover completed). Sinks run best-effort so a failing sink
//     never changes the outcome of a request.
package handover
