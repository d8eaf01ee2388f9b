// Package cacheloader drives the cooperative-loading protocol described
// in the package documentation for programcache: it repeatedly asks a
// ProgramCache to resolve a batch's misses, loads whichever single miss
// it gets handed back, and parks on the cache's loading waiter when
// there is nothing left to do but wait for another worker.
package cacheloader

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nodevalidator/programcache/internal/telemetry"
	"github.com/nodevalidator/programcache/internal/workerid"
	"github.com/nodevalidator/programcache/programcache"
)

// AccountProvider resolves a program address to the account bytes an
// ExecutableLoader needs to (re)compile it. It is the boundary between
// the cache's fork-relative logic and account storage; cacheloader never
// reads account state itself.
type AccountProvider interface {
	ProgramAccount(ctx context.Context, addr programcache.Address) (ProgramAccount, error)
}

// ProgramAccount is the account data backing one program version.
type ProgramAccount struct {
	Family         programcache.LoaderFamily
	ELF            []byte
	AccountSize    int
	DeploymentSlot programcache.Slot
	EffectiveSlot  programcache.Slot
}

// Loader pairs a ProgramCache with the ExecutableLoader used to turn a
// miss into a ProgramEntry, and the identity this goroutine presents to
// the cache's cooperative-loading lock.
type Loader struct {
	Cache    *programcache.ProgramCache
	Accounts AccountProvider
	Executor programcache.ExecutableLoader
	Worker   workerid.ID
}

// New returns a Loader with a freshly generated worker identity.
func New(cache *programcache.ProgramCache, accounts AccountProvider, executor programcache.ExecutableLoader) *Loader {
	return &Loader{Cache: cache, Accounts: accounts, Executor: executor, Worker: workerid.New()}
}

// Fetch resolves every item in searchFor into view, loading misses as
// needed, and returns once searchFor is empty or the per-run load limit
// is exhausted (view.HitMaxLimit is then set). It may load more than one
// program across repeated rounds but publishes at most one program to
// the shared cache per Extract call, per the cooperative-loading
// contract.
func (l *Loader) Fetch(ctx context.Context, searchFor []programcache.SearchItem, view *programcache.BatchView, limit programcache.LimitToLoadProgramsOption) error {
	remaining := append([]programcache.SearchItem(nil), searchFor...)
	firstRound := true
	loaded := 0

	for len(remaining) > 0 {
		if limit.Limit > 0 && loaded >= limit.Limit {
			view.HitMaxLimit = true
			return nil
		}

		cookie := l.Cache.LoadingWaiter().Cookie()
		task := l.Cache.Extract(&remaining, view, firstRound, l.Worker)
		firstRound = false

		if len(remaining) == 0 {
			return nil
		}

		if task == nil {
			// Nothing left for us to claim; someone else is loading the
			// remaining misses. Park until the next publish and re-scan.
			l.Cache.LoadingWaiter().Wait(cookie)
			continue
		}

		entry := l.loadOrTombstone(ctx, task, view.Slot())
		loaded++

		// The result only reports whether the version's key was already
		// occupied; the claim is always ours here, since Extract handed us
		// the task under l.Worker.
		l.Cache.FinishCooperativeLoadingTask(view.Slot(), task.Address, entry, l.Worker)
	}
	return nil
}

// loadOrTombstone always returns a publishable entry for task, even when
// resolving the account, compiling it, or the loader itself panics. Per
// §4.13, a worker that claimed an address's cooperative-loading lock in
// Extract must always clear it through FinishCooperativeLoadingTask: a
// claim stranded by a propagated error or panic would leave every other
// worker parked on LoadingWaiter for that address waiting forever (P7).
func (l *Loader) loadOrTombstone(ctx context.Context, task *programcache.CooperativeTask, atSlot programcache.Slot) (entry *programcache.ProgramEntry) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.WithFields(map[string]interface{}{
				"address": task.Address,
				"panic":   r,
			}).Error("recovered from panic while loading program; publishing a Closed tombstone")
			entry = programcache.NewTombstone(atSlot, programcache.Closed())
		}
	}()

	loaded, err := l.load(ctx, task)
	if err != nil {
		telemetry.WithFields(map[string]interface{}{
			"address": task.Address,
			"error":   err,
		}).Warn("program load failed; publishing a Closed tombstone")
		return programcache.NewTombstone(atSlot, programcache.Closed())
	}
	return loaded
}

// load resolves task's account and compiles it, classifying the loader's
// error taxonomy (§7/§4.13) into the matching tombstone: a verifier
// rejection or failed JIT compile publishes FailedVerification (the
// program parsed but is not usable under this environment), an invalid
// or missing account publishes Closed. Any error this function returns
// is unclassified and is converted into a generic Closed tombstone by
// loadOrTombstone, so that Fetch always has an entry to publish and the
// cooperative-loading lock is cleared no matter how loading fails.
func (l *Loader) load(ctx context.Context, task *programcache.CooperativeTask) (*programcache.ProgramEntry, error) {
	account, err := l.Accounts.ProgramAccount(ctx, task.Address)
	if err != nil {
		return nil, errors.Wrap(err, "resolving program account")
	}

	env, _ := l.Cache.CurrentEnvironments()

	payload, _, err := l.Executor.Load(ctx, account.Family, env.V1, account.DeploymentSlot, account.EffectiveSlot, account.ELF, account.AccountSize)
	if err == nil {
		return programcache.NewEntry(payload, account.AccountSize, account.DeploymentSlot, account.EffectiveSlot), nil
	}

	var loadErr *programcache.LoadError
	if errors.As(err, &loadErr) {
		switch loadErr.Kind {
		case programcache.ErrVerifierRejected, programcache.ErrJitFailed:
			tombstone := programcache.FailedVerification(env.V1)
			return programcache.NewEntry(tombstone, account.AccountSize, account.DeploymentSlot, account.EffectiveSlot), nil
		case programcache.ErrNotFound, programcache.ErrInvalidAccount:
			return programcache.NewEntry(programcache.Closed(), account.AccountSize, account.DeploymentSlot, account.EffectiveSlot), nil
		}
	}
	return nil, err
}
