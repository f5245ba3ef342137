package escrow

import (
	"context"
	"testing"
	"time"
)

func testKey(tag byte) [32]byte {
	var k [32]byte
	k[0] = tag
	return k
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	t.Parallel()

	e, err := New(NewMemoryStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	key := testKey(0x01)
	const owner = "0xOwnerSigningIdentity"
	const secret = "0x0707070707070707070707070707070707070707070707070707070707070707"

	if err := e.Store(ctx, key, secret, owner); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, ok, err := e.Retrieve(ctx, key, owner)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if got != secret {
		t.Fatalf("secret: got %q want %q", got, secret)
	}
}

func TestRetrieveWrongOwnerReturnsAbsent(t *testing.T) {
	t.Parallel()

	e, err := New(NewMemoryStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	key := testKey(0x02)
	if err := e.Store(ctx, key, "0xfeed", "owner-a"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// A different signing identity must see nothing, not an error.
	got, ok, err := e.Retrieve(ctx, key, "owner-b")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if ok || got != "" {
		t.Fatalf("expected absent for wrong owner, got ok=%v secret=%q", ok, got)
	}
}

func TestRetrieveMissingKey(t *testing.T) {
	t.Parallel()

	e, err := New(NewMemoryStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, ok, err := e.Retrieve(context.Background(), testKey(0x03), "owner")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing key")
	}
}

func TestStoreReplacesPriorEntry(t *testing.T) {
	t.Parallel()

	e, err := New(NewMemoryStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	key := testKey(0x04)
	if err := e.Store(ctx, key, "0xold", "owner"); err != nil {
		t.Fatalf("Store #1: %v", err)
	}
	if err := e.Store(ctx, key, "0xnew", "owner"); err != nil {
		t.Fatalf("Store #2: %v", err)
	}

	got, ok, err := e.Retrieve(ctx, key, "owner")
	if err != nil || !ok {
		t.Fatalf("Retrieve: ok=%v err=%v", ok, err)
	}
	if got != "0xnew" {
		t.Fatalf("secret: got %q want %q", got, "0xnew")
	}
}

func TestHasAndRemove(t *testing.T) {
	t.Parallel()

	e, err := New(NewMemoryStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	key := testKey(0x05)
	ok, err := e.Has(ctx, key)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if ok {
		t.Fatalf("expected Has=false before Store")
	}

	if err := e.Store(ctx, key, "0xbeef", "owner"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	ok, err = e.Has(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Has after Store: ok=%v err=%v", ok, err)
	}

	if err := e.Remove(ctx, key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ok, err = e.Has(ctx, key)
	if err != nil || ok {
		t.Fatalf("Has after Remove: ok=%v err=%v", ok, err)
	}

	// Removing an absent key is a no-op.
	if err := e.Remove(ctx, key); err != nil {
		t.Fatalf("Remove #2: %v", err)
	}
}

func TestCorruptedCiphertextReturnsAbsent(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	e, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	key := testKey(0x06)
	if err := e.Store(ctx, key, "0xbeef", "owner"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	entry, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	entry.Ciphertext[0] ^= 0xff
	if err := store.Put(ctx, entry); err != nil {
		t.Fatalf("Put corrupted: %v", err)
	}

	_, ok, err := e.Retrieve(ctx, key, "owner")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if ok {
		t.Fatalf("expected absent for corrupted ciphertext")
	}
}

func TestStoreValidatesInput(t *testing.T) {
	t.Parallel()

	e, err := New(NewMemoryStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := e.Store(ctx, testKey(0x07), "", "owner"); err == nil {
		t.Fatalf("expected error for empty secret")
	}
	if err := e.Store(ctx, testKey(0x07), "0xbeef", "  "); err == nil {
		t.Fatalf("expected error for empty owner identity")
	}
}

func TestStoredAtUsesInjectedClock(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e, err := New(store, WithNow(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	key := testKey(0x08)
	if err := e.Store(ctx, key, "0xbeef", "owner"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	entry, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !entry.StoredAt.Equal(fixed) {
		t.Fatalf("StoredAt: got %v want %v", entry.StoredAt, fixed)
	}
}
