package integrity_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/digest"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/integrity"
)

func TestObserveProcessStartDuplicate(t *testing.T) {
	tr := integrity.NewTracker()
	if _, err := tr.ObserveProcessStart(10, 1, "svc", "aa"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := tr.ObserveProcessStart(10, 1, "svc", "aa"); !errors.Is(err, integrity.ErrDuplicateProcess) {
		t.Fatalf("expected ErrDuplicateProcess, got %v", err)
	}
	if tr.Len() != 1 {
		t.Fatalf("expected one baseline, got %d", tr.Len())
	}
}

func TestCheckMemoryFirstSightThenTamper(t *testing.T) {
	tr := integrity.NewTracker()
	if _, err := tr.ObserveProcessStart(10, 1, "svc", "aa"); err != nil {
		t.Fatalf("start: %v", err)
	}

	c, err := tr.CheckMemory(10, ".text", "h1")
	if err != nil || c.Result != integrity.Ok || c.Expected != "" {
		t.Fatalf("first sight: %+v err=%v", c, err)
	}
	c, err = tr.CheckMemory(10, ".text", "h1")
	if err != nil || c.Result != integrity.Ok {
		t.Fatalf("same hash: %+v err=%v", c, err)
	}
	c, err = tr.CheckMemory(10, ".text", "h2")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if c.Result != integrity.Tampered || c.Expected != "h1" || c.Observed != "h2" {
		t.Fatalf("expected tampered h1->h2, got %+v", c)
	}
	// the baseline is not overwritten by a tampered observation
	c, _ = tr.CheckMemory(10, ".text", "h1")
	if c.Result != integrity.Ok {
		t.Fatalf("baseline should still be h1, got %+v", c)
	}
}

func TestCheckMemoryUnknownPid(t *testing.T) {
	tr := integrity.NewTracker()
	if _, err := tr.CheckMemory(99, ".text", "h"); !errors.Is(err, integrity.ErrUnknownProcess) {
		t.Fatalf("expected ErrUnknownProcess, got %v", err)
	}
}

func TestObserveProcessExitUnknownIsNoop(t *testing.T) {
	tr := integrity.NewTracker()
	tr.ObserveProcessExit(12345)
	if tr.Len() != 0 {
		t.Fatalf("expected empty tracker")
	}
	_, _ = tr.ObserveProcessStart(1, 0, "init", "")
	tr.ObserveProcessExit(1)
	if _, ok := tr.Snapshot(1); ok {
		t.Fatalf("baseline should be gone after exit")
	}
}

func TestSnapshotsAreImmutable(t *testing.T) {
	tr := integrity.NewTracker()
	_, _ = tr.ObserveProcessStart(10, 1, "svc", "aa")
	before, _ := tr.Snapshot(10)
	if _, err := tr.CheckMemory(10, "heap", "h"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if _, ok := before.Region("heap"); ok {
		t.Fatalf("old snapshot must not observe new region")
	}
	after, _ := tr.Snapshot(10)
	if h, ok := after.Region("heap"); !ok || h != "h" {
		t.Fatalf("new snapshot missing region: %v %v", h, ok)
	}
}

func TestParentTracking(t *testing.T) {
	tr := integrity.NewTracker()
	_, _ = tr.ObserveProcessStart(1, 0, "init", "")
	child, _ := tr.ObserveProcessStart(20, 1, "svc", "")
	if !child.ParentKnown || child.ParentComm != "init" {
		t.Fatalf("expected known parent init, got %+v", child)
	}
	orphan, _ := tr.ObserveProcessStart(30, 777, "svc", "")
	if orphan.ParentKnown {
		t.Fatalf("expected unknown parent")
	}
}

func TestRebaselineDropsRegions(t *testing.T) {
	tr := integrity.NewTracker()
	_, _ = tr.ObserveProcessStart(10, 1, "sh", "old")
	_, _ = tr.CheckMemory(10, ".text", "h1")
	b := tr.Rebaseline(10, 1, "svc", "new")
	if b.BinaryHash != "new" || len(b.Regions) != 0 || b.Comm != "svc" {
		t.Fatalf("unexpected rebaseline: %+v", b)
	}
	c, _ := tr.CheckMemory(10, ".text", "h2")
	if c.Result != integrity.Ok {
		t.Fatalf("region should be re-recorded after exec, got %+v", c)
	}
}

func TestEnsureProcess(t *testing.T) {
	tr := integrity.NewTracker()
	b, created := tr.EnsureProcess(5, 1, "svc")
	if !created || b.PID != 5 {
		t.Fatalf("expected created baseline, got %+v created=%v", b, created)
	}
	_, created = tr.EnsureProcess(5, 1, "svc")
	if created {
		t.Fatalf("second ensure must not create")
	}
}

func TestConcurrentFirstSightRecordsOnce(t *testing.T) {
	tr := integrity.NewTracker()
	_, _ = tr.ObserveProcessStart(10, 1, "svc", "")

	var wg sync.WaitGroup
	results := make(chan integrity.MemoryCheck, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := tr.CheckMemory(10, ".data", "same")
			if err != nil {
				t.Errorf("check: %v", err)
			}
			results <- c
		}()
	}
	wg.Wait()
	close(results)
	for c := range results {
		if c.Result != integrity.Ok {
			t.Fatalf("identical digests must never be tampered: %+v", c)
		}
	}
}

func TestFingerprintUsesConfiguredDigest(t *testing.T) {
	h := digest.MustLookup("blake2b_256")
	tr := integrity.NewTracker(integrity.WithHasher(h))
	if got, want := tr.Fingerprint([]byte("x")), digest.Hex(h, []byte("x")); got != want {
		t.Fatalf("fingerprint %s want %s", got, want)
	}
}
