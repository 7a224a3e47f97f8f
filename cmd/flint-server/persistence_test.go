package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testPersistConfig(dir string) config {
	return config{
		persistence:       true,
		aofEnabled:        true,
		aofPath:           filepath.Join(dir, "journal.aof"),
		snapshotPath:      filepath.Join(dir, "dump.fkv"),
		fsync:             "everysec",
		aofMinSize:        64 * 1024 * 1024,
		aofRewritePercent: 100,
	}
}

func newTestPersistence(t *testing.T, cfg config) *persistence {
	t.Helper()
	p, err := newPersistence(cfg, discardLogger())
	if err != nil {
		t.Fatalf("newPersistence: %v", err)
	}
	t.Cleanup(p.close)
	return p
}

// waitFor polls cond (driving worker reaping via handleCompletions) until it
// holds or the deadline passes.
func waitFor(t *testing.T, p *persistence, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.handleCompletions()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestParseFsyncPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    fsyncPolicy
		wantErr bool
	}{
		{in: "always", want: fsyncAlways},
		{in: "everysec", want: fsyncEverySec},
		{in: "no", want: fsyncNever},
		{in: "sometimes", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseFsyncPolicy(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseFsyncPolicy(%q) accepted", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("parseFsyncPolicy(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestShouldSnapshotThresholds(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		dirty   int
		want    bool
	}{
		{"Nothing changed", 1000 * time.Second, 0, false},
		{"One change is not enough for the 900s rule", 1000 * time.Second, 1, false},
		{"Two changes after 15 min", 901 * time.Second, 2, true},
		{"Ten changes after 5 min", 301 * time.Second, 10, true},
		{"Nine changes after 5 min", 301 * time.Second, 9, false},
		{"Heavy write burst after 1 min", 61 * time.Second, 10000, true},
		{"Heavy write burst too early", 59 * time.Second, 50000, false},
		{"Recent snapshot suppresses everything", 10 * time.Second, 500, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPersistence(t, testPersistConfig(t.TempDir()))
			now := time.Now()
			p.lastSnapshot = now.Add(-tt.elapsed)
			p.dirty = tt.dirty

			if got := p.shouldSnapshot(now); got != tt.want {
				t.Errorf("shouldSnapshot(elapsed=%v, dirty=%d) = %v, want %v",
					tt.elapsed, tt.dirty, got, tt.want)
			}
		})
	}
}

func TestShouldSnapshotSuppressedWhileSaving(t *testing.T) {
	p := newTestPersistence(t, testPersistConfig(t.TempDir()))
	p.lastSnapshot = time.Now().Add(-time.Hour)
	p.dirty = 100
	p.saving = true

	if p.shouldSnapshot(time.Now()) {
		t.Error("shouldSnapshot = true while a save is already running")
	}
}

// TestRecordWriteIsWriteAhead: the journal append precedes the change
// counter increment, and the line is durable after a sync.
func TestRecordWriteIsWriteAhead(t *testing.T) {
	cfg := testPersistConfig(t.TempDir())
	p := newTestPersistence(t, cfg)

	p.recordWrite("SET a 1")
	p.recordWrite("DEL b")

	if p.dirty != 2 {
		t.Errorf("dirty = %d, want 2", p.dirty)
	}

	if err := p.aof.Sync(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(cfg.aofPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "SET a 1\nDEL b\n" {
		t.Errorf("journal = %q", data)
	}
}

// TestRecordWriteAlwaysPolicySyncsPerAppend: with -fsync=always the line is
// on disk immediately, no explicit sync needed.
func TestRecordWriteAlwaysPolicySyncsPerAppend(t *testing.T) {
	cfg := testPersistConfig(t.TempDir())
	cfg.fsync = "always"
	p := newTestPersistence(t, cfg)

	p.recordWrite("SET a 1")

	data, err := os.ReadFile(cfg.aofPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "SET a 1\n" {
		t.Errorf("journal = %q after always-policy append", data)
	}
}

func TestMaybeFsyncEverySecond(t *testing.T) {
	cfg := testPersistConfig(t.TempDir())
	p := newTestPersistence(t, cfg)

	p.recordWrite("SET a 1")

	// Within the same second: nothing forced out yet.
	p.maybeFsync(p.lastFsync.Add(200 * time.Millisecond))
	data, _ := os.ReadFile(cfg.aofPath)
	if len(data) != 0 {
		t.Errorf("journal flushed before the policy interval: %q", data)
	}

	p.maybeFsync(p.lastFsync.Add(1100 * time.Millisecond))
	data, _ = os.ReadFile(cfg.aofPath)
	if string(data) != "SET a 1\n" {
		t.Errorf("journal = %q after interval elapsed", data)
	}
}

func TestAutoRewriteTrigger(t *testing.T) {
	cfg := testPersistConfig(t.TempDir())
	cfg.aofMinSize = 1 // every journal qualifies by size
	p := newTestPersistence(t, cfg)
	p.baselineSize = 1 // tiny baseline: any growth exceeds 100%

	for i := 0; i < autoRewriteCheckEvery-1; i++ {
		p.recordWrite("SET k v")
	}
	if p.rewriteDue {
		t.Fatal("rewrite scheduled before the append-count check")
	}

	p.recordWrite("SET k v")
	if !p.rewriteDue {
		t.Fatal("rewrite not scheduled at the 100th append")
	}
}

func TestAutoRewriteRespectsMinSize(t *testing.T) {
	cfg := testPersistConfig(t.TempDir())
	p := newTestPersistence(t, cfg) // default 64MB minimum

	for i := 0; i < autoRewriteCheckEvery; i++ {
		p.recordWrite("SET k v")
	}
	if p.rewriteDue {
		t.Error("rewrite scheduled for a journal far below the minimum size")
	}
}

func TestBackgroundSnapshotLifecycle(t *testing.T) {
	cfg := testPersistConfig(t.TempDir())
	p := newTestPersistence(t, cfg)
	p.dirty = 5

	if err := p.startSnapshot(map[string]string{"a": "1"}); err != nil {
		t.Fatalf("startSnapshot: %v", err)
	}

	// A second save while one is running must be refused.
	if err := p.startSnapshot(map[string]string{"a": "1"}); !errors.Is(err, errSaveInProgress) {
		t.Errorf("second startSnapshot err = %v, want errSaveInProgress", err)
	}

	waitFor(t, p, func() bool { return !p.saving })

	if p.dirty != 0 {
		t.Errorf("dirty = %d after completed save, want 0", p.dirty)
	}

	loaded, err := readSnapshotFile(cfg.snapshotPath)
	if err != nil {
		t.Fatalf("snapshot unreadable after background save: %v", err)
	}
	if loaded["a"] != "1" {
		t.Errorf("snapshot content = %v", loaded)
	}
}

func TestSnapshotKeepsChangesMadeDuringSave(t *testing.T) {
	cfg := testPersistConfig(t.TempDir())
	p := newTestPersistence(t, cfg)
	p.dirty = 3

	if err := p.startSnapshot(map[string]string{"a": "1"}); err != nil {
		t.Fatal(err)
	}

	// Writes landing while the worker runs still count toward the next
	// trigger evaluation.
	p.recordWrite("SET b 2")
	p.recordWrite("SET c 3")

	waitFor(t, p, func() bool { return !p.saving })

	if p.dirty != 2 {
		t.Errorf("dirty = %d after save, want 2 (the writes made during the save)", p.dirty)
	}
}

func TestPersistenceDisabled(t *testing.T) {
	cfg := testPersistConfig(t.TempDir())
	cfg.persistence = false
	p := newTestPersistence(t, cfg)

	if err := p.startSnapshot(nil); !errors.Is(err, errPersistenceDisabled) {
		t.Errorf("startSnapshot err = %v, want errPersistenceDisabled", err)
	}
	if err := p.startRewrite(nil); !errors.Is(err, errPersistenceDisabled) {
		t.Errorf("startRewrite err = %v, want errPersistenceDisabled", err)
	}

	p.recordWrite("SET a 1")
	if p.dirty != 0 {
		t.Errorf("dirty moved with persistence disabled")
	}
	if p.shouldSnapshot(time.Now().Add(time.Hour)) {
		t.Error("shouldSnapshot = true with persistence disabled")
	}
}

// TestRewriteHandOffKeepsConcurrentWrites: a write landing between rewrite
// spawn and journal reopen must survive into the rewritten journal.
func TestRewriteHandOffKeepsConcurrentWrites(t *testing.T) {
	cfg := testPersistConfig(t.TempDir())
	p := newTestPersistence(t, cfg)

	p.recordWrite("SET a 1")
	p.recordWrite("SET b 2")

	if err := p.startRewrite(map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("startRewrite: %v", err)
	}
	if err := p.startRewrite(nil); !errors.Is(err, errRewriteInProgress) {
		t.Errorf("second startRewrite err = %v, want errRewriteInProgress", err)
	}

	// This append races the rewrite worker; whichever way it falls, it must
	// be present after the hand-off.
	p.recordWrite("SET live 9")

	waitFor(t, p, func() bool { return !p.rewriting })

	if err := p.aof.Sync(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(cfg.aofPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "SET live 9\n") {
		t.Errorf("write made during rewrite missing from journal: %q", data)
	}

	store := NewStore()
	if _, _, err := replayAOF(cfg.aofPath, store, discardLogger()); err != nil {
		t.Fatalf("rewritten journal does not replay: %v", err)
	}
	for _, key := range []string{"a", "b", "live"} {
		if !store.Exists(key) {
			t.Errorf("key %q missing after replaying rewritten journal", key)
		}
	}
}
