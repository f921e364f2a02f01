package ctxstore

import (
	"context"
	"testing"

	vmcrypto "github.com/rakunlabs/voidmerge/internal/crypto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, "demo", "registerHandler(async t => ({}))", map[string]any{"public": "v"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID != "demo" {
		t.Fatalf("expected id %q, got %q", "demo", rec.ID)
	}

	got, ok, err := s.Get(ctx, "demo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected context to exist")
	}
	if got.Env["public"] != "v" {
		t.Fatalf("unexpected env: %+v", got.Env)
	}

	if err := s.Delete(ctx, "demo"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	_, ok, err = s.Get(ctx, "demo")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if ok {
		t.Fatal("expected context to be gone after delete")
	}
}

func TestGetMissingContext(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing context")
	}
}

func TestListContexts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "a", "code", nil); err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if _, err := s.Create(ctx, "b", "code", nil); err != nil {
		t.Fatalf("Create b: %v", err)
	}

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected list: %v", ids)
	}
}

func TestEnvPrivateEncryption(t *testing.T) {
	key, err := vmcrypto.DeriveKey("test-encryption-key-for-unit-tests")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	s, err := Open(context.Background(), t.TempDir(), key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	env := map[string]any{"public": "v", "private": map[string]any{"token": "secret"}}
	if _, err := s.Create(ctx, "demo", "code", env); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, ok, err := s.Get(ctx, "demo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected context to exist")
	}
	priv, ok := got.Env["private"].(map[string]any)
	if !ok {
		t.Fatalf("expected private to decrypt back to an object, got %#v", got.Env["private"])
	}
	if priv["token"] != "secret" {
		t.Fatalf("expected token %q, got %v", "secret", priv["token"])
	}
}
