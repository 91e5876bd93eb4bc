// Package generation drives segment groups through the provider.
//
// Controller prices and reserves a batch, then advances each group one
// segment at a time: it submits the lowest reserved index only when nothing
// else in the group is with the provider. In chain mode the last frame of the
// previous clip becomes the start image of the next, and any failure halts
// the rest of the chain with refunds.
//
// Reconciler polls in-flight segments on an interval with a bounded worker
// pool, applies provider observations (the webhook handler shares Observe),
// fails segments that outlive the generation timeout, and resumes idle groups
// after restarts.
package generation
