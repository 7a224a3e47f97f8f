// snapshot.go implements the point-in-time snapshot format and its
// writer/loader.
//
// The format is line-oriented text:
//
//	FLINT1
//	timestamp=2026-08-25T10:32:07Z
//	keys=2
//	alpha 1
//	beta hello
//	checksum=9c41f1b0380442c7
//
// The first line is the format magic and version. The metadata block carries
// the ISO-8601 UTC write time and the key count; the body holds one
// "key value" line per entry (keys and values are single tokens, so the
// first space is an unambiguous separator). The trailing checksum is the
// xxhash64 of every byte above it and is what distinguishes a complete
// snapshot from a torn one.
//
// Writes go to <path>.tmp first, are fsynced, and then atomically renamed
// over the canonical path. The canonical file is therefore always either the
// previous complete snapshot or the new complete snapshot, never a partial
// write. A failed rename removes the temporary file and reports the error.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	snapshotMagic = "FLINT1"
	tempSuffix    = ".tmp"
)

var errSnapshotCorrupt = errors.New("snapshot file is corrupt")

// writeSnapshotFile serializes entries to path via temp file + atomic
// rename. The entries map must be exclusively owned by the caller for the
// duration of the call.
func writeSnapshotFile(path string, entries map[string]string, now time.Time) error {
	tmpPath := path + tempSuffix

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}

	var (
		fileClosed    bool
		renameSuccess bool
	)
	defer func() {
		if !fileClosed {
			_ = f.Close()
		}
		if !renameSuccess {
			_ = os.Remove(tmpPath)
		}
	}()

	bw := bufio.NewWriter(f)
	digest := xxhash.New()
	w := io.MultiWriter(bw, digest)

	if _, err := fmt.Fprintf(w, "%s\n", snapshotMagic); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "timestamp=%s\n", now.UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "keys=%d\n", len(entries)); err != nil {
		return err
	}
	for key, value := range entries {
		if _, err := fmt.Fprintf(w, "%s %s\n", key, value); err != nil {
			return err
		}
	}

	// The checksum line covers everything above it and is not part of its
	// own digest.
	if _, err := fmt.Fprintf(bw, "checksum=%016x\n", digest.Sum64()); err != nil {
		return err
	}

	if err := bw.Flush(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fileClosed = true

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename snapshot into place: %w", err)
	}
	renameSuccess = true

	return nil
}

// readSnapshotFile loads a snapshot written by writeSnapshotFile. It returns
// (nil, nil) when no snapshot exists at path.
func readSnapshotFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	reader := bufio.NewReader(f)
	digest := xxhash.New()

	readLine := func() (string, error) {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		_, _ = digest.WriteString(line)
		return strings.TrimSuffix(line, "\n"), nil
	}

	magic, err := readLine()
	if err != nil {
		return nil, fmt.Errorf("%w: missing header", errSnapshotCorrupt)
	}
	if magic != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic %q", errSnapshotCorrupt, magic)
	}

	tsLine, err := readLine()
	if err != nil || !strings.HasPrefix(tsLine, "timestamp=") {
		return nil, fmt.Errorf("%w: missing timestamp", errSnapshotCorrupt)
	}
	if _, err := time.Parse(time.RFC3339, strings.TrimPrefix(tsLine, "timestamp=")); err != nil {
		return nil, fmt.Errorf("%w: bad timestamp: %v", errSnapshotCorrupt, err)
	}

	countLine, err := readLine()
	if err != nil || !strings.HasPrefix(countLine, "keys=") {
		return nil, fmt.Errorf("%w: missing key count", errSnapshotCorrupt)
	}
	count, err := strconv.Atoi(strings.TrimPrefix(countLine, "keys="))
	if err != nil || count < 0 {
		return nil, fmt.Errorf("%w: bad key count %q", errSnapshotCorrupt, countLine)
	}

	entries := make(map[string]string, count)
	for i := 0; i < count; i++ {
		line, err := readLine()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated body at entry %d", errSnapshotCorrupt, i+1)
		}
		key, value, ok := strings.Cut(line, " ")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: malformed entry %q", errSnapshotCorrupt, line)
		}
		entries[key] = value
	}

	want := digest.Sum64()

	sumLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: missing checksum", errSnapshotCorrupt)
	}
	sumLine = strings.TrimSuffix(sumLine, "\n")
	if !strings.HasPrefix(sumLine, "checksum=") {
		return nil, fmt.Errorf("%w: missing checksum", errSnapshotCorrupt)
	}
	got, err := strconv.ParseUint(strings.TrimPrefix(sumLine, "checksum="), 16, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad checksum line %q", errSnapshotCorrupt, sumLine)
	}
	if got != want {
		return nil, fmt.Errorf("%w: checksum mismatch (file %016x, computed %016x)", errSnapshotCorrupt, got, want)
	}

	return entries, nil
}

// rewriteAOFFile writes the minimal command set reproducing entries (one SET
// per live key, history discarded) to a temporary file and atomically
// renames it over the canonical journal path. Run by background rewrite
// workers; entries is the exclusively-owned copy taken at spawn.
func rewriteAOFFile(path string, entries map[string]string) error {
	tmpPath := path + tempSuffix

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create rewrite temp file: %w", err)
	}

	var (
		fileClosed    bool
		renameSuccess bool
	)
	defer func() {
		if !fileClosed {
			_ = f.Close()
		}
		if !renameSuccess {
			_ = os.Remove(tmpPath)
		}
	}()

	bw := bufio.NewWriter(f)
	for key, value := range entries {
		if _, err := fmt.Fprintf(bw, "SET %s %s\n", key, value); err != nil {
			return err
		}
	}

	if err := bw.Flush(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fileClosed = true

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename rewritten journal into place: %w", err)
	}
	renameSuccess = true

	return nil
}
