package programcache

// Executable is an opaque, loader-produced compiled program handle. The
// cache never looks inside it; it is reference-counted and shared between
// the global cache, batch views, and in-flight VM invocations by whatever
// mechanism the concrete type provides (typically a pointer to a
// heap-allocated, GC-managed value, which is already effectively
// refcounted in Go).
type Executable interface{}

// PayloadKind tags which variant a ProgramPayload holds. Go has no native
// sum type, so the payload is an enum tag plus a union of the fields each
// variant actually uses; PayloadKind is the discriminant and the allowed
// transitions in AssignProgram are checked against it structurally.
type PayloadKind int

const (
	// PayloadFailedVerification is a tombstone: the verifier rejected the
	// program under the environment it carries.
	PayloadFailedVerification PayloadKind = iota
	// PayloadClosed is a tombstone: the account was closed, never
	// deployed, or belongs to a loader that stores no executable code.
	PayloadClosed
	// PayloadDelayVisibility is a tombstone placeholder returned when a
	// lookup slot falls in [deployment_slot, effective_slot).
	PayloadDelayVisibility
	// PayloadUnloaded is a previously verified program whose compiled
	// form has been evicted; usage metadata is retained for a possible
	// reload.
	PayloadUnloaded
	// PayloadLegacyV0 is a verified, compiled program deployed under
	// loader-v1/v2 (the "deprecated" BPF loader family).
	PayloadLegacyV0
	// PayloadLegacyV1 is a verified, compiled program deployed under the
	// upgradeable BPF loader (loader-v3).
	PayloadLegacyV1
	// PayloadTyped is a verified, compiled program deployed under
	// loader-v4.
	PayloadTyped
	// PayloadBuiltin is compiled into the validator binary; always
	// effective, never evictable.
	PayloadBuiltin
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadFailedVerification:
		return "FailedVerification"
	case PayloadClosed:
		return "Closed"
	case PayloadDelayVisibility:
		return "DelayVisibility"
	case PayloadUnloaded:
		return "Unloaded"
	case PayloadLegacyV0:
		return "LegacyV0"
	case PayloadLegacyV1:
		return "LegacyV1"
	case PayloadTyped:
		return "Typed"
	case PayloadBuiltin:
		return "Builtin"
	default:
		return "Unknown"
	}
}

// Payload is the tagged variant held by a ProgramEntry. Exactly the
// fields relevant to Kind are populated; the rest are zero.
type Payload struct {
	Kind PayloadKind

	// Env is the environment this payload was verified/compiled against.
	// Set for FailedVerification, Unloaded, LegacyV0, LegacyV1, and Typed.
	// Nil for Closed, DelayVisibility, and Builtin — a builtin is always
	// effective and is matched regardless of the batch's environments.
	Env *Environment

	// Executable is set for LegacyV0, LegacyV1, Typed, and Builtin.
	Executable Executable
}

// IsTombstone reports whether the payload represents the absence or
// unavailability of a program.
func (p Payload) IsTombstone() bool {
	switch p.Kind {
	case PayloadFailedVerification, PayloadClosed, PayloadDelayVisibility:
		return true
	default:
		return false
	}
}

// IsCompiledUserProgram reports whether the payload is a verified,
// compiled, evictable user program (as opposed to a tombstone, a builtin,
// or an already-unloaded entry).
func (p Payload) IsCompiledUserProgram() bool {
	switch p.Kind {
	case PayloadLegacyV0, PayloadLegacyV1, PayloadTyped:
		return true
	default:
		return false
	}
}

// FailedVerification constructs a tombstone payload recording the
// environment the verifier rejected the program under.
func FailedVerification(env *Environment) Payload {
	return Payload{Kind: PayloadFailedVerification, Env: env}
}

// Closed constructs the Closed tombstone payload.
func Closed() Payload {
	return Payload{Kind: PayloadClosed}
}

// DelayVisibilityPayload constructs the DelayVisibility tombstone payload.
func DelayVisibilityPayload() Payload {
	return Payload{Kind: PayloadDelayVisibility}
}

// UnloadedPayload constructs an Unloaded payload retaining env.
func UnloadedPayload(env *Environment) Payload {
	return Payload{Kind: PayloadUnloaded, Env: env}
}

// LegacyV0Payload wraps a compiled loader-v1/v2 executable together with
// the environment it was verified and compiled against.
func LegacyV0Payload(exec Executable, env *Environment) Payload {
	return Payload{Kind: PayloadLegacyV0, Executable: exec, Env: env}
}

// LegacyV1Payload wraps a compiled loader-v3 executable together with the
// environment it was verified and compiled against.
func LegacyV1Payload(exec Executable, env *Environment) Payload {
	return Payload{Kind: PayloadLegacyV1, Executable: exec, Env: env}
}

// TypedPayload wraps a compiled loader-v4 executable together with the
// environment it was verified and compiled against.
func TypedPayload(exec Executable, env *Environment) Payload {
	return Payload{Kind: PayloadTyped, Executable: exec, Env: env}
}

// BuiltinPayload wraps a builtin compiled into the validator binary. It
// carries no environment: builtins are matched regardless of the batch's
// current environments.
func BuiltinPayload(exec Executable) Payload {
	return Payload{Kind: PayloadBuiltin, Executable: exec}
}
