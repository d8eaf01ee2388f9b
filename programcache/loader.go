package programcache

import "context"

// LoaderFamily identifies which on-chain loader a program was deployed
// under; it determines which Payload variant ExecutableLoader.Load
// returns (LegacyV0 for loader-v1/v2, LegacyV1 for the upgradeable
// loader-v3, Typed for loader-v4).
type LoaderFamily int

const (
	// LoaderLegacyV0 is the deprecated BPF loader (v1/v2).
	LoaderLegacyV0 LoaderFamily = iota
	// LoaderLegacyV1 is the upgradeable BPF loader (v3).
	LoaderLegacyV1
	// LoaderTyped is loader-v4.
	LoaderTyped
)

// ErrorKind classifies why ExecutableLoader.Load/Reload failed. Cache
// operations never propagate errors themselves (see package doc); this
// classification exists so the caller can decide which tombstone to
// publish.
type ErrorKind int

const (
	// ErrNotFound means the account has no program visible on the
	// caller's fork; publish Closed.
	ErrNotFound ErrorKind = iota
	// ErrInvalidAccount means the account exists but is not a recognized
	// program account (or its ELF is malformed); publish Closed.
	ErrInvalidAccount
	// ErrVerifierRejected means the ELF parsed but the verifier rejected
	// it under the current environment; publish FailedVerification.
	ErrVerifierRejected
	// ErrJitFailed means verification passed but JIT compilation failed
	// on a target that supports it; publish FailedVerification, same as
	// a verifier rejection.
	ErrJitFailed
)

// LoadError is returned by ExecutableLoader on failure. It is always
// non-nil when returned and always carries a Kind; Err, if set, is the
// underlying cause for logs.
type LoadError struct {
	Kind ErrorKind
	Err  error
}

func (e *LoadError) Error() string {
	msg := map[ErrorKind]string{
		ErrNotFound:         "program not found",
		ErrInvalidAccount:   "invalid program account",
		ErrVerifierRejected: "verifier rejected program",
		ErrJitFailed:        "jit compilation failed",
	}[e.Kind]
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause to errors.Is/errors.As. LoadError
// has no Cause method, so github.com/pkg/errors.Cause stops at it.
func (e *LoadError) Unwrap() error { return e.Err }

// LoadMetrics carries the per-load timing breakdown the original
// validator submits alongside Stats: microseconds spent registering
// syscalls, loading the ELF, verifying, and JIT-compiling. Callers fold
// it into their own telemetry; the cache itself does not interpret it.
type LoadMetrics struct {
	ProgramID          string
	RegisterSyscallsUs uint64
	LoadElfUs          uint64
	VerifyCodeUs       uint64
	JitCompileUs       uint64
}

// ExecutableLoader loads, verifies, and (where supported) JIT-compiles
// raw ELF bytes into an opaque Executable. It is external to the cache:
// the cache only ever holds the Payload it returns.
type ExecutableLoader interface {
	// Load verifies and compiles elfBytes under env. loaderFamily picks
	// which Payload variant the result is wrapped in.
	Load(
		ctx context.Context,
		loaderFamily LoaderFamily,
		env *Environment,
		deploymentSlot, effectiveSlot Slot,
		elfBytes []byte,
		accountSize int,
	) (Payload, LoadMetrics, error)

	// Reload repeats Load but may skip verification. Callers must only
	// use it when elfBytes + env are known to have been verified before
	// (e.g. reloading a previously Unloaded entry under the same
	// environment it was last compiled with).
	Reload(
		ctx context.Context,
		loaderFamily LoaderFamily,
		env *Environment,
		deploymentSlot, effectiveSlot Slot,
		elfBytes []byte,
		accountSize int,
	) (Payload, LoadMetrics, error)
}
