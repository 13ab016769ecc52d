package buffer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grokify/omnirecorder"
)

const testPrefix = "proj_p1/bugg_RPiID-0001/conf_c1"

var t0 = time.Date(2026, 10, 17, 2, 0, 1, 500_000_000, time.UTC)

func openTest(t *testing.T, root string) *Buffer {
	t.Helper()
	b, err := Open(Options{Root: root, Prefix: testPrefix})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return b
}

// capture writes data into a fresh slot and seals it.
func capture(t *testing.T, b *Buffer, at time.Time, data string) omnirecorder.Unit {
	t.Helper()
	slot, err := b.NewSlot(at, "wav")
	if err != nil {
		t.Fatalf("NewSlot failed: %v", err)
	}
	if err := os.WriteFile(slot.Path, []byte(data), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	u, err := b.Seal(slot)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	return u
}

func publish(t *testing.T, b *Buffer, u omnirecorder.Unit, ext, data string) omnirecorder.Unit {
	t.Helper()
	slot, err := b.ReadySlot(u)
	if err != nil {
		t.Fatalf("ReadySlot failed: %v", err)
	}
	slot.Ext = ext
	if err := os.WriteFile(slot.Path, []byte(data), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	r, err := b.Publish(u, slot)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	return r
}

func TestUnitLifecycle(t *testing.T) {
	ctx := context.Background()
	b := openTest(t, t.TempDir())

	slot, err := b.NewSlot(t0, ".wav")
	if err != nil {
		t.Fatalf("NewSlot failed: %v", err)
	}
	if slot.ID != "2026-10-17T02_00_01.500Z" {
		t.Errorf("slot ID = %q", slot.ID)
	}
	if err := os.WriteFile(slot.Path, []byte("raw pcm"), 0600); err != nil {
		t.Fatal(err)
	}

	// In-progress captures are invisible.
	captured, err := b.Captured()
	if err != nil {
		t.Fatalf("Captured failed: %v", err)
	}
	if len(captured) != 0 {
		t.Fatalf("Captured returned %d units during capture, want 0", len(captured))
	}

	u, err := b.Seal(slot)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if u.Stage != omnirecorder.StageCaptured || u.Ext != "wav" || u.Size != 7 {
		t.Errorf("sealed unit = %+v", u)
	}

	rs, err := b.ReadySlot(u)
	if err != nil {
		t.Fatalf("ReadySlot failed: %v", err)
	}
	rs.Ext = "mp3"
	if err := os.WriteFile(rs.Path, []byte("mp3"), 0600); err != nil {
		t.Fatal(err)
	}
	ready, _ := b.Ready(ctx)
	if len(ready) != 0 {
		t.Fatalf("Ready returned %d units during postprocess, want 0", len(ready))
	}

	r, err := b.Publish(u, rs)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	wantKey := testPrefix + "/2026-10-17T02_00_01.500Z.mp3"
	if r.Key != wantKey {
		t.Errorf("Key = %q, want %q", r.Key, wantKey)
	}
	if r.Stage != omnirecorder.StageReady || !r.Created.Equal(t0) {
		t.Errorf("published unit = %+v", r)
	}

	captured, _ = b.Captured()
	if len(captured) != 0 {
		t.Errorf("captured copy survived publish: %v", captured)
	}
	ready, _ = b.Ready(ctx)
	if len(ready) != 1 || ready[0].Key != wantKey {
		t.Fatalf("Ready = %+v", ready)
	}
	if b.Path(wantKey) != r.Path {
		t.Errorf("Path(%q) = %q, want %q", wantKey, b.Path(wantKey), r.Path)
	}
}

func TestNewSlotUniqueIDs(t *testing.T) {
	b := openTest(t, t.TempDir())

	first := capture(t, b, t0, "a")
	s2, err := b.NewSlot(t0, "wav")
	if err != nil {
		t.Fatal(err)
	}
	if s2.ID <= first.ID {
		t.Errorf("second id %q does not sort after %q", s2.ID, first.ID)
	}

	// A clock that steps backwards still yields increasing ids.
	s3, err := b.NewSlot(t0.Add(-time.Hour), "wav")
	if err != nil {
		t.Fatal(err)
	}
	if s3.ID <= s2.ID {
		t.Errorf("id %q after clock step does not sort after %q", s3.ID, s2.ID)
	}
}

func TestNewSlotSkipsExistingAcrossRuns(t *testing.T) {
	root := t.TempDir()
	u := capture(t, openTest(t, root), t0, "a")

	b := openTest(t, root)
	s, err := b.NewSlot(t0, "wav")
	if err != nil {
		t.Fatal(err)
	}
	if s.ID == u.ID {
		t.Errorf("new run reused id %q", s.ID)
	}
}

func TestDiscard(t *testing.T) {
	b := openTest(t, t.TempDir())
	slot, _ := b.NewSlot(t0, "wav")
	if err := os.WriteFile(slot.Path, []byte("half"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := b.Discard(slot); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if _, err := os.Stat(slot.Path); !os.IsNotExist(err) {
		t.Errorf("slot still present: %v", err)
	}
	if err := b.Discard(slot); err != nil {
		t.Errorf("second Discard failed: %v", err)
	}
}

func TestPromote(t *testing.T) {
	b := openTest(t, t.TempDir())
	u := capture(t, b, t0, "raw")

	r, err := b.Promote(u)
	if err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	if r.Key != testPrefix+"/"+u.Name() {
		t.Errorf("Key = %q", r.Key)
	}
	data, err := os.ReadFile(r.Path)
	if err != nil || string(data) != "raw" {
		t.Errorf("promoted content = %q, %v", data, err)
	}
	captured, _ := b.Captured()
	if len(captured) != 0 {
		t.Errorf("Captured after Promote = %d", len(captured))
	}
}

func TestReadyOrder(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b := openTest(t, root)
	late := capture(t, b, t0.Add(time.Minute), "late")
	publish(t, b, late, "mp3", "late")

	// A later run whose clock was behind.
	b = openTest(t, root)
	early := capture(t, b, t0, "early")
	publish(t, b, early, "mp3", "early")

	// Foreign dot-files are never reported.
	if err := os.WriteFile(filepath.Join(b.prefixDir(), ".DS_Store"), nil, 0600); err != nil {
		t.Fatal(err)
	}

	ready, err := b.Ready(ctx)
	if err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("Ready returned %d units, want 2", len(ready))
	}
	if ready[0].ID != early.ID || ready[1].ID != late.ID {
		t.Errorf("order = %s, %s", ready[0].ID, ready[1].ID)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	// A unit left under a previous configuration's prefix.
	old, err := Open(Options{Root: root, Prefix: "proj_p1/bugg_RPiID-0001/conf_old"})
	if err != nil {
		t.Fatal(err)
	}
	stale := publish(t, old, capture(t, old, t0, "x"), "mp3", "x")

	b := openTest(t, root)
	cur := publish(t, b, capture(t, b, t0.Add(time.Second), "y"), "mp3", "y")

	ready, _ := b.Ready(ctx)
	if len(ready) != 2 {
		t.Fatalf("Ready returned %d units, want 2", len(ready))
	}

	if err := b.Remove(stale); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(stale.Path)); !os.IsNotExist(err) {
		t.Errorf("empty directory of stale prefix not pruned")
	}
	if err := b.Remove(cur); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(b.prefixDir()); err != nil {
		t.Errorf("active prefix directory pruned: %v", err)
	}
	if err := b.Remove(cur); err != nil {
		t.Errorf("second Remove failed: %v", err)
	}

	ready, _ = b.Ready(ctx)
	if len(ready) != 0 {
		t.Errorf("Ready after Remove = %d", len(ready))
	}
}

func TestRemoveRejectsCaptured(t *testing.T) {
	b := openTest(t, t.TempDir())
	u := capture(t, b, t0, "raw")
	if err := b.Remove(u); err == nil {
		t.Fatal("Remove accepted a captured unit")
	}
	if _, err := os.Stat(u.Path); err != nil {
		t.Errorf("captured unit deleted: %v", err)
	}
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b := openTest(t, root)

	// Interrupted capture.
	partial, _ := b.NewSlot(t0, "wav")
	if err := os.WriteFile(partial.Path, []byte("half"), 0600); err != nil {
		t.Fatal(err)
	}

	// Captured and published, crash before the captured copy was removed.
	dup := capture(t, b, t0.Add(time.Second), "raw")
	rs, _ := b.ReadySlot(dup)
	rs.Ext = "mp3"
	if err := os.WriteFile(rs.Path, []byte("mp3"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := commit(rs.Path, filepath.Join(b.prefixDir(), dup.ID+".mp3")); err != nil {
		t.Fatal(err)
	}

	// Captured, crash during postprocess.
	pending := capture(t, b, t0.Add(2*time.Second), "raw")
	tmp, _ := b.ReadySlot(pending)
	if err := os.WriteFile(tmp.Path, []byte("half mp3"), 0600); err != nil {
		t.Fatal(err)
	}

	rec, err := openTest(t, root).Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if rec.Partials != 1 || rec.Temps != 1 || rec.Duplicates != 1 {
		t.Errorf("Recovery = %+v", rec)
	}
	if len(rec.Captured) != 1 || rec.Captured[0].ID != pending.ID {
		t.Errorf("Captured = %+v, want %s", rec.Captured, pending.ID)
	}

	ready, _ := b.Ready(ctx)
	if len(ready) != 1 || ready[0].ID != dup.ID {
		t.Errorf("Ready = %+v", ready)
	}
	entries, _ := os.ReadDir(b.prefixDir())
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("leftover %s", e.Name())
		}
	}
}

func TestAdopt(t *testing.T) {
	ctx := context.Background()
	internal, err := Open(Options{Root: t.TempDir(), Prefix: testPrefix})
	if err != nil {
		t.Fatal(err)
	}
	r := publish(t, internal, capture(t, internal, t0, "a"), "mp3", "ready data")
	c := capture(t, internal, t0.Add(time.Second), "captured data")

	removable := openTest(t, t.TempDir())
	n, err := removable.Adopt(ctx, internal)
	if err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Adopt moved %d units, want 2", n)
	}

	ready, _ := removable.Ready(ctx)
	if len(ready) != 1 || ready[0].Key != r.Key {
		t.Fatalf("Ready = %+v", ready)
	}
	data, _ := os.ReadFile(ready[0].Path)
	if string(data) != "ready data" {
		t.Errorf("adopted content = %q", data)
	}
	captured, _ := removable.Captured()
	if len(captured) != 1 || captured[0].ID != c.ID {
		t.Errorf("Captured = %+v", captured)
	}

	left, _ := internal.Stats(ctx)
	if left.Ready != 0 || left.Captured != 0 {
		t.Errorf("source not drained: %+v", left)
	}

	// Adopting twice is a no-op.
	if n, err := removable.Adopt(ctx, internal); err != nil || n != 0 {
		t.Errorf("second Adopt = %d, %v", n, err)
	}
}

func TestPublishArtifact(t *testing.T) {
	ctx := context.Background()
	b := openTest(t, t.TempDir())

	u, err := b.PublishArtifact("logs", "rpi_eco_0001_20261017_0200.log.zst", func(w io.Writer) error {
		_, err := io.WriteString(w, "log")
		return err
	})
	if err != nil {
		t.Fatalf("PublishArtifact failed: %v", err)
	}
	if u.Key != "logs/rpi_eco_0001_20261017_0200.log.zst" {
		t.Errorf("Key = %q", u.Key)
	}
	if u.ID != "rpi_eco_0001_20261017_0200" || u.Ext != "log.zst" {
		t.Errorf("ID/Ext = %q/%q", u.ID, u.Ext)
	}

	s, err := b.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Ready != 1 || s.ReadyBytes != 3 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestKeyRejectsOutside(t *testing.T) {
	b := openTest(t, t.TempDir())
	if _, err := b.Key(filepath.Join(b.Dir(), "working", "x")); err == nil {
		t.Error("Key accepted a path outside the ready area")
	}
}
