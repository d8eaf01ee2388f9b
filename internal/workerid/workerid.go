// Package workerid mints opaque worker identities for the cooperative
// loading lock. It stands in for the original validator's
// std::thread::ThreadId: any comparable value would satisfy the contract,
// but a UUID lets workers be spun up and torn down across goroutine pools
// (and even across processes, in tests that simulate multiple validators)
// without collisions.
package workerid

import "github.com/google/uuid"

// ID identifies the worker holding a SecondLevel's cooperative-loading
// lock. Zero value is not a valid worker.
type ID uuid.UUID

// New mints a fresh worker identity.
func New() ID {
	return ID(uuid.New())
}

// String renders the identity for logs and debug dumps.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the zero value (never minted by New).
func (id ID) IsZero() bool {
	return id == ID{}
}
