package programcache

// Environment is an immutable bundle of VM configuration and syscall
// registry. Its identity is load-bearing: two entries "match the same
// environment" iff they hold the exact same *Environment pointer, never
// by deep equality. The cache never inspects an Environment's contents;
// VM config and syscall wiring are the ExecutableLoader's concern.
type Environment struct {
	// Name is a human-readable label for logs and debug dumps
	// (e.g. "v1@epoch-512"). It plays no role in identity or matching.
	Name string
}

// NewEnvironment constructs a fresh Environment handle. Each call yields a
// distinct pointer, which is what gives it identity.
func NewEnvironment(name string) *Environment {
	return &Environment{Name: name}
}

// Environments is the pair of environments alive at a given time: one for
// program-runtime v1, one for v2. A second pair ("upcoming") may be alive
// simultaneously during the recompilation window that straddles an epoch
// boundary.
type Environments struct {
	V1 *Environment
	V2 *Environment
}

// Matches reports whether env is one of the two members of this tuple
// (by pointer identity).
func (e Environments) Matches(env *Environment) bool {
	return env != nil && (env == e.V1 || env == e.V2)
}
