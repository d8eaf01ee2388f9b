// Package programcache implements the two-level, fork-aware program
// cache sitting between the account store and the virtual machine in a
// Solana-style validator's transaction execution pipeline. It amortizes
// ELF loading, bytecode verification, and JIT compilation across many
// transactions per slot while respecting the fork graph, epoch-scoped
// runtime environments, and delayed deployment visibility.
//
// The moving pieces, roughly in the order a transaction batch touches
// them:
//
//   - ProgramCache holds every address's SecondLevel behind one
//     read-write lock. AssignProgram publishes a version; Extract
//     resolves a batch's misses against it and hands back at most one
//     cooperative-loading task per call; Prune and the eviction methods
//     reclaim memory as the root advances.
//   - SecondLevel is the sorted, per-address slice of versions plus the
//     cooperative-loading lock guarding concurrent misses for that one
//     address.
//   - BatchView is the per-batch scratch space Extract fills in and the
//     executor reads from; it is merged back into the ProgramCache once
//     the batch finishes.
//   - Stats accumulates the counters the original validator surfaces as
//     a "loaded-programs-cache-stats" datapoint.
//
// cacheloader drives the loop that repeatedly calls Extract, loads
// whichever task comes back via an ExecutableLoader, and parks on
// LoadingWaiter when there's nothing left to claim.
package programcache
