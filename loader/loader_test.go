package loader

import (
	"context"
	"testing"

	"github.com/nodevalidator/programcache/programcache"
)

func TestSyntheticRejectsDeterministically(t *testing.T) {
	t.Parallel()
	s := &Synthetic{RejectFraction: 1.0} // reject everything
	env := programcache.NewEnvironment("v1")
	ctx := context.Background()

	var addr programcache.Address
	addr[0] = 0x11
	account, err := s.ProgramAccount(ctx, addr)
	if err != nil {
		t.Fatalf("unexpected error resolving account: %v", err)
	}

	_, _, err = s.Load(ctx, account.Family, env, 0, 0, account.ELF, account.AccountSize)
	if err == nil {
		t.Fatal("expected a verifier rejection with RejectFraction=1.0")
	}
	loadErr, ok := err.(*programcache.LoadError)
	if !ok || loadErr.Kind != programcache.ErrVerifierRejected {
		t.Fatalf("expected an ErrVerifierRejected LoadError, got %v", err)
	}
}

func TestSyntheticNeverRejectsWhenFractionZero(t *testing.T) {
	t.Parallel()
	s := &Synthetic{}
	env := programcache.NewEnvironment("v1")
	ctx := context.Background()

	var addr programcache.Address
	addr[0] = 0x22
	account, _ := s.ProgramAccount(ctx, addr)

	payload, _, err := s.Load(ctx, account.Family, env, 0, 0, account.ELF, account.AccountSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.Kind != programcache.PayloadTyped {
		t.Fatalf("expected a Typed payload for LoaderTyped, got %v", payload.Kind)
	}
}

func TestLinearForkGraphRelationship(t *testing.T) {
	t.Parallel()
	var fg LinearForkGraph
	if fg.Relationship(5, 5) != programcache.Equal {
		t.Fatal("expected Relationship(s, s) == Equal")
	}
	if fg.Relationship(5, 10) != programcache.Ancestor {
		t.Fatal("expected an earlier slot to be an Ancestor of a later one")
	}
	if fg.Relationship(10, 5) != programcache.Descendant {
		t.Fatal("expected a later slot to be a Descendant of an earlier one")
	}
}
