// Package loader provides a reference ExecutableLoader and
// AccountProvider for tests, examples, and cmd/bench: it never touches
// real ELF bytes, just enough to drive the cooperative-loading protocol
// end to end with a configurable failure rate and simulated latency.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/nodevalidator/programcache/cacheloader"
	"github.com/nodevalidator/programcache/programcache"
)

// Synthetic is a deterministic, address-seeded ExecutableLoader and
// AccountProvider pair: every address maps to a fixed "account size",
// deployment slot, and loader family so a bench/test run is reproducible
// across workers without shared state.
type Synthetic struct {
	// Latency simulates compilation cost; zero disables the sleep.
	Latency time.Duration
	// RejectFraction of addresses (by hashed address, deterministic) fail
	// verification instead of compiling successfully. 0 disables this.
	RejectFraction float64
	// DeploymentSlot and EffectiveSlot are applied to every account this
	// provider hands out. Separated from (EffectiveSlot == DeploymentSlot)
	// to exercise the delay-visibility window when non-zero.
	DeploymentSlot, EffectiveSlot programcache.Slot
}

var _ programcache.ExecutableLoader = (*Synthetic)(nil)
var _ cacheloader.AccountProvider = (*Synthetic)(nil)

func addressFraction(addr programcache.Address) float64 {
	sum := sha256.Sum256(addr[:])
	return float64(binary.BigEndian.Uint32(sum[:4])) / float64(^uint32(0))
}

// ProgramAccount implements cacheloader.AccountProvider.
func (s *Synthetic) ProgramAccount(ctx context.Context, addr programcache.Address) (cacheloader.ProgramAccount, error) {
	return cacheloader.ProgramAccount{
		Family:         programcache.LoaderTyped,
		ELF:            addr[:],
		AccountSize:    len(addr) * 37,
		DeploymentSlot: s.DeploymentSlot,
		EffectiveSlot:  s.EffectiveSlot,
	}, nil
}

// Load implements programcache.ExecutableLoader.
func (s *Synthetic) Load(
	ctx context.Context,
	loaderFamily programcache.LoaderFamily,
	env *programcache.Environment,
	deploymentSlot, effectiveSlot programcache.Slot,
	elfBytes []byte,
	accountSize int,
) (programcache.Payload, programcache.LoadMetrics, error) {
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return programcache.Payload{}, programcache.LoadMetrics{}, ctx.Err()
		}
	}

	metrics := programcache.LoadMetrics{
		RegisterSyscallsUs: 1,
		LoadElfUs:          uint64(len(elfBytes)),
		VerifyCodeUs:       uint64(len(elfBytes)) / 2,
	}

	if s.RejectFraction > 0 && len(elfBytes) >= 32 {
		var addr programcache.Address
		copy(addr[:], elfBytes)
		if addressFraction(addr) < s.RejectFraction {
			return programcache.Payload{}, metrics, &programcache.LoadError{Kind: programcache.ErrVerifierRejected}
		}
	}

	var exec programcache.Executable = struct{ Size int }{accountSize}
	switch loaderFamily {
	case programcache.LoaderLegacyV0:
		return programcache.LegacyV0Payload(exec, env), metrics, nil
	case programcache.LoaderLegacyV1:
		return programcache.LegacyV1Payload(exec, env), metrics, nil
	default:
		return programcache.TypedPayload(exec, env), metrics, nil
	}
}

// Reload implements programcache.ExecutableLoader by delegating to Load;
// Synthetic never actually verifies, so there is nothing to skip.
func (s *Synthetic) Reload(
	ctx context.Context,
	loaderFamily programcache.LoaderFamily,
	env *programcache.Environment,
	deploymentSlot, effectiveSlot programcache.Slot,
	elfBytes []byte,
	accountSize int,
) (programcache.Payload, programcache.LoadMetrics, error) {
	return s.Load(ctx, loaderFamily, env, deploymentSlot, effectiveSlot, elfBytes, accountSize)
}
