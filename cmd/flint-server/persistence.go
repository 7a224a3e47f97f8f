// persistence.go is the durability subsystem: the write-ahead journal
// accounting, the snapshot trigger policy, and the orchestration of detached
// background save/rewrite workers.
//
// All of this state belongs to the event loop goroutine; none of it is
// locked. The only concurrency is the background workers, and the contract
// with them is strict: a worker receives an exclusively-owned copy of the
// entries taken at spawn time, writes through the temp-file + atomic-rename
// protocol, and reports back nothing except an error status on the
// completion channel. The loop drains that channel once per iteration, which
// is where child results are reaped and the journal handle hand-off happens.
//
// Write-ahead ordering invariant: a successful write command is appended to
// the journal before it is counted toward the snapshot change thresholds.
//
// Rewrite hand-off invariant: appends that land between rewrite spawn and
// journal reopen go to the old inode, which the rename discards. Every such
// append is therefore also accumulated in a backlog buffer and flushed to
// the reopened journal on successful completion, so the hand-off neither
// loses nor duplicates a write.

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type fsyncPolicy int

const (
	// fsyncAlways forces every append to stable storage before the
	// change counter moves. Maximum durability, maximum latency.
	fsyncAlways fsyncPolicy = iota

	// fsyncEverySec syncs at most once per second, checked once per loop
	// iteration. The default: at most one second of writes at risk.
	fsyncEverySec

	// fsyncNever pushes appends to the OS but never issues a sync.
	fsyncNever
)

func parseFsyncPolicy(s string) (fsyncPolicy, error) {
	switch s {
	case "always":
		return fsyncAlways, nil
	case "everysec":
		return fsyncEverySec, nil
	case "no":
		return fsyncNever, nil
	}
	return 0, fmt.Errorf("invalid fsync policy %q (want always, everysec or no)", s)
}

// Snapshot trigger thresholds, Redis "save <seconds> <changes>" style. Any
// satisfied condition makes a save due.
var saveRules = []struct {
	after   time.Duration
	changes int
}{
	{900 * time.Second, 2},    // 15 min, more than one change
	{300 * time.Second, 10},   // 5 min, at least 10 changes
	{60 * time.Second, 10000}, // 1 min, at least 10000 changes
}

// autoRewriteCheckEvery is how many appends pass between evaluations of the
// automatic compaction condition.
const autoRewriteCheckEvery = 100

var (
	errPersistenceDisabled = errors.New("persistence is disabled")
	errAOFDisabled         = errors.New("append-only file is disabled")
	errSaveInProgress      = errors.New("Background save already in progress")
	errRewriteInProgress   = errors.New("Background append only file rewriting already in progress")
)

const (
	opSnapshot = "snapshot"
	opRewrite  = "rewrite"
)

// persistResult is the exit status a background worker reports. It is the
// only information that ever crosses back from a worker.
type persistResult struct {
	op    string
	err   error
	dirty int // snapshot only: change count captured at spawn
	keys  int
}

type persistence struct {
	logger *slog.Logger

	enabled    bool
	aofEnabled bool

	snapshotPath string
	aofPath      string

	aof       *AOF
	policy    fsyncPolicy
	lastFsync time.Time

	// Change tracking for the snapshot trigger policy.
	dirty        int
	lastSnapshot time.Time

	// Automatic compaction policy.
	appendCount      int
	baselineSize     int64
	minRewriteSize   int64
	rewriteGrowthPct int
	rewriteDue       bool

	// Active worker tracking. At most one of each kind runs at a time.
	saving    bool
	rewriting bool
	backlog   []byte

	done chan persistResult
}

func newPersistence(cfg config, logger *slog.Logger) (*persistence, error) {
	p := &persistence{
		logger:           logger,
		enabled:          cfg.persistence,
		aofEnabled:       cfg.persistence && cfg.aofEnabled,
		snapshotPath:     cfg.snapshotPath,
		aofPath:          cfg.aofPath,
		minRewriteSize:   cfg.aofMinSize,
		rewriteGrowthPct: cfg.aofRewritePercent,
		done:             make(chan persistResult, 2),
	}

	now := time.Now()
	p.lastSnapshot = now
	p.lastFsync = now

	if !p.enabled {
		return p, nil
	}

	policy, err := parseFsyncPolicy(cfg.fsync)
	if err != nil {
		return nil, err
	}
	p.policy = policy

	if p.aofEnabled {
		aof, err := NewAOF(cfg.aofPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		p.aof = aof

		size, err := aof.Size()
		if err != nil {
			_ = aof.Close()
			return nil, err
		}
		p.baselineSize = size
	}

	return p, nil
}

// recordWrite accounts for one successful SET or DEL. The journal append
// happens first; only then does the change counter move.
func (p *persistence) recordWrite(line string) {
	if !p.enabled {
		return
	}

	if p.aof != nil {
		if err := p.aof.Append(line); err != nil {
			p.logger.Error("failed to append to journal", "error", err, "command", line)
		} else {
			if p.policy == fsyncAlways {
				if err := p.aof.Sync(); err != nil {
					p.logger.Error("journal fsync failed", "error", err)
				} else {
					p.lastFsync = time.Now()
				}
			}

			if p.rewriting {
				p.backlog = append(p.backlog, line...)
				p.backlog = append(p.backlog, '\n')
			}

			p.appendCount++
			if p.appendCount%autoRewriteCheckEvery == 0 {
				p.checkAutoRewrite()
			}
		}
	}

	p.dirty++
}

// checkAutoRewrite marks a rewrite due when the journal is both large enough
// and has grown past the configured percentage since the last rewrite
// baseline. The loop picks the flag up on its next iteration.
func (p *persistence) checkAutoRewrite() {
	if p.rewriting || p.rewriteDue {
		return
	}

	size, err := p.aof.Size()
	if err != nil {
		p.logger.Error("failed to stat journal for auto-rewrite check", "error", err)
		return
	}

	if size < p.minRewriteSize {
		return
	}

	if p.baselineSize > 0 {
		growth := (size - p.baselineSize) * 100 / p.baselineSize
		if growth < int64(p.rewriteGrowthPct) {
			return
		}
	}

	p.logger.Info("journal growth threshold reached, scheduling rewrite",
		"current_bytes", size,
		"base_bytes", p.baselineSize,
		"threshold_percent", p.rewriteGrowthPct)
	p.rewriteDue = true
}

// maybeFsync applies the fsync policy. Called once per loop iteration.
func (p *persistence) maybeFsync(now time.Time) {
	if p.aof == nil {
		return
	}

	switch p.policy {
	case fsyncAlways:
		// Synced at append time.
	case fsyncEverySec:
		if now.Sub(p.lastFsync) >= time.Second {
			if err := p.aof.Sync(); err != nil {
				p.logger.Error("journal fsync failed", "error", err)
				return
			}
			p.lastFsync = now
		}
	case fsyncNever:
		// Hand buffered appends to the OS; durability is its problem.
		if err := p.aof.Flush(); err != nil {
			p.logger.Error("journal flush failed", "error", err)
		}
	}
}

// shouldSnapshot evaluates the save thresholds. Elapsed time is measured
// from the last completed snapshot.
func (p *persistence) shouldSnapshot(now time.Time) bool {
	if !p.enabled || p.saving {
		return false
	}

	elapsed := now.Sub(p.lastSnapshot)
	for _, rule := range saveRules {
		if elapsed >= rule.after && p.dirty >= rule.changes {
			return true
		}
	}
	return false
}

// startSnapshot spawns a detached worker that serializes entries to the
// snapshot path. The caller hands over exclusive ownership of entries.
func (p *persistence) startSnapshot(entries map[string]string) error {
	if !p.enabled {
		return errPersistenceDisabled
	}
	if p.saving {
		return errSaveInProgress
	}

	p.saving = true
	dirtyAtSpawn := p.dirty
	path := p.snapshotPath

	go func() {
		err := writeSnapshotFile(path, entries, time.Now())
		p.done <- persistResult{op: opSnapshot, err: err, dirty: dirtyAtSpawn, keys: len(entries)}
	}()

	return nil
}

// startRewrite spawns a detached worker that writes the compacted journal
// and renames it over the canonical path. The live journal handle keeps
// accepting appends throughout; see the backlog invariant above.
func (p *persistence) startRewrite(entries map[string]string) error {
	if !p.enabled {
		return errPersistenceDisabled
	}
	if p.aof == nil {
		return errAOFDisabled
	}
	if p.rewriting {
		return errRewriteInProgress
	}

	p.rewriting = true
	p.backlog = nil
	path := p.aofPath

	go func() {
		err := rewriteAOFFile(path, entries)
		p.done <- persistResult{op: opRewrite, err: err, keys: len(entries)}
	}()

	return nil
}

// handleCompletions reaps every worker that has finished, without blocking.
// Called once per loop iteration.
func (p *persistence) handleCompletions() {
	for {
		select {
		case res := <-p.done:
			switch res.op {
			case opSnapshot:
				p.completeSnapshot(res)
			case opRewrite:
				p.completeRewrite(res)
			}
		default:
			return
		}
	}
}

func (p *persistence) completeSnapshot(res persistResult) {
	p.saving = false

	if res.err != nil {
		// The temp+rename protocol guarantees the prior snapshot file
		// is untouched; the next trigger evaluation retries.
		p.logger.Error("background save failed", "error", res.err)
		return
	}

	p.dirty -= res.dirty
	if p.dirty < 0 {
		p.dirty = 0
	}
	p.lastSnapshot = time.Now()
	p.logger.Info("background save completed", "keys", res.keys, "path", p.snapshotPath)
}

func (p *persistence) completeRewrite(res persistResult) {
	p.rewriting = false
	backlog := p.backlog
	p.backlog = nil

	if res.err != nil {
		// The old journal is still canonical and already contains every
		// backlog line through the live handle; nothing to repair.
		p.logger.Error("background journal rewrite failed", "error", res.err)
		return
	}

	if err := p.aof.Reopen(); err != nil {
		p.logger.Error("failed to switch to rewritten journal", "error", err)
		return
	}

	if len(backlog) > 0 {
		if err := p.aof.AppendRaw(backlog); err != nil {
			p.logger.Error("failed to append rewrite backlog", "error", err)
		}
	}

	size, err := p.aof.Size()
	if err == nil {
		p.baselineSize = size
	}
	p.appendCount = 0

	p.logger.Info("background journal rewrite completed", "keys", res.keys, "bytes", size)
}

// close flushes and closes the journal. Called once, on shutdown.
func (p *persistence) close() {
	if p.aof == nil {
		return
	}
	if err := p.aof.Close(); err != nil {
		p.logger.Error("failed to close journal", "error", err)
	}
	p.aof = nil
}
