// Package transfer reassembles background images that clients upload as a
// sequence of bounded chunks.
//
// Invariants:
//   - At most one transfer exists per image id.
//   - Completion depends only on every slot being filled; the isLast flag is informational.
//   - Every terminal transition (complete, failed, aborted) stops the timer and frees the slots.
//   - An Assembler is not safe for concurrent use. Timer expiries are handed to
//     the owner through the expire callback and applied with Expire.
package transfer
