package mhash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dd0wney/cluso-triplestore/pkg/storage"
)

func openTestMHash(t *testing.T) *MHash {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mhash")
	mh, err := Open(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { mh.Close() })
	return mh
}

// TestMHashPutGet tests basic store and lookup
func TestMHashPutGet(t *testing.T) {
	mh := openTestMHash(t)

	if err := mh.Put(storage.RID(0x1234<<10), 42); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	val, err := mh.Get(storage.RID(0x1234 << 10))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != 42 {
		t.Errorf("Get = %d, want 42", val)
	}
	if mh.Count() != 1 {
		t.Errorf("Count = %d, want 1", mh.Count())
	}
}

// TestMHashAbsent tests that unseen keys read as zero
func TestMHashAbsent(t *testing.T) {
	mh := openTestMHash(t)

	val, err := mh.Get(storage.RID(0x9999 << 10))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != 0 {
		t.Errorf("Get on absent key = %d, want 0", val)
	}
}

// TestMHashReplace tests value replacement without count drift
func TestMHashReplace(t *testing.T) {
	mh := openTestMHash(t)

	rid := storage.RID(7 << 10)
	if err := mh.Put(rid, 1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := mh.Put(rid, 2); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	val, err := mh.Get(rid)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != 2 {
		t.Errorf("Get = %d, want 2", val)
	}
	if mh.Count() != 1 {
		t.Errorf("Count = %d after replace, want 1", mh.Count())
	}
}

// TestMHashTombstone tests that storing zero frees the slot
func TestMHashTombstone(t *testing.T) {
	mh := openTestMHash(t)

	rid := storage.RID(3 << 10)
	if err := mh.Put(rid, 9); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := mh.Put(rid, 0); err != nil {
		t.Fatalf("Put zero failed: %v", err)
	}
	if mh.Count() != 0 {
		t.Errorf("Count = %d after tombstone, want 0", mh.Count())
	}
}

// TestMHashCollisions tests linear probing within one home slot
func TestMHashCollisions(t *testing.T) {
	mh := openTestMHash(t)

	// identical home slot: bits above the hash mask differ
	base := uint64(5 << 10)
	for j := uint64(0); j < 8; j++ {
		rid := storage.RID(base | j<<40)
		if err := mh.Put(rid, uint32(j+1)); err != nil {
			t.Fatalf("Put %d failed: %v", j, err)
		}
	}
	for j := uint64(0); j < 8; j++ {
		rid := storage.RID(base | j<<40)
		val, err := mh.Get(rid)
		if err != nil {
			t.Fatalf("Get %d failed: %v", j, err)
		}
		if val != uint32(j+1) {
			t.Errorf("Get %d = %d, want %d", j, val, j+1)
		}
	}
}

// TestMHashDoubling inserts enough dense keys to force repeated in-place
// doubling and verifies every mapping survives
func TestMHashDoubling(t *testing.T) {
	mh := openTestMHash(t)

	const n = 16384
	if err := mh.Handle().Lock(storage.LockEX); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	for k := 0; k < n; k++ {
		if err := mh.PutLocked(storage.RID(uint64(k)<<10), uint32(k+1)); err != nil {
			t.Fatalf("Put %d failed: %v", k, err)
		}
	}
	if err := mh.Handle().Lock(storage.LockUN); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	if mh.Count() != n {
		t.Errorf("Count = %d, want %d", mh.Count(), n)
	}
	if mh.Size() < n {
		t.Errorf("Size = %d, want at least %d", mh.Size(), n)
	}

	if err := mh.Handle().Lock(storage.LockSH); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	for k := 0; k < n; k++ {
		val, err := mh.GetLocked(storage.RID(uint64(k) << 10))
		if err != nil {
			t.Fatalf("Get %d failed: %v", k, err)
		}
		if val != uint32(k+1) {
			t.Fatalf("Get %d = %d, want %d", k, val, k+1)
		}
	}
	if err := mh.Handle().Lock(storage.LockUN); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	if err := mh.Check(); err != nil {
		t.Errorf("Check failed after doubling: %v", err)
	}
}

// TestMHashKeys tests key enumeration
func TestMHashKeys(t *testing.T) {
	mh := openTestMHash(t)

	want := map[storage.RID]bool{}
	for k := 0; k < 100; k++ {
		rid := storage.RID(uint64(k+1) << 10)
		want[rid] = true
		if err := mh.Put(rid, uint32(k+1)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	keys, err := mh.Keys()
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 100 {
		t.Fatalf("Keys returned %d entries, want 100", len(keys))
	}
	for _, rid := range keys {
		if !want[rid] {
			t.Errorf("Unexpected key %s", rid)
		}
	}
}

// TestMHashPersistence tests that header and entries survive a reopen
func TestMHashPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.mhash")
	mh, err := Open(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for k := 0; k < 50; k++ {
		if err := mh.Put(storage.RID(uint64(k+1)<<10), uint32(k+100)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := mh.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	mh2, err := Open(path, os.O_RDWR)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer mh2.Close()

	if mh2.Count() != 50 {
		t.Errorf("Reopened count = %d, want 50", mh2.Count())
	}
	val, err := mh2.Get(storage.RID(uint64(50) << 10))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != 149 {
		t.Errorf("Get = %d, want 149", val)
	}
}

// TestMHashBadMagic tests corrupt header detection
func TestMHashBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.mhash")
	if err := os.WriteFile(path, make([]byte, 512), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	_, err := Open(path, os.O_RDWR)
	if err == nil {
		t.Fatal("Expected error opening zeroed header")
	}
}
