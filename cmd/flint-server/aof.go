// aof.go provides the append-only journal: a thin wrapper over the file
// handle plus the startup replayer.
//
// The journal holds one write command per line, verbatim as the client sent
// it. Replay feeds every line through the same parse/execute path used for
// live traffic, so replayed and live execution can never diverge.
//
// Unlike most of the servers this design descends from, the AOF here carries
// no mutex: in the event-loop architecture only the loop goroutine ever
// touches it, and background rewrite workers write to their own temporary
// file, never to this handle.
//
// Appends land in a user-space buffer first. When data is forced to the OS
// and to the physical disk is governed by the fsync policy (persistence.go);
// the AOF only exposes the Flush/Sync primitives.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type AOF struct {
	path   string
	file   *os.File
	writer *bufio.Writer
}

func NewAOF(path string) (*AOF, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return nil, err
	}

	return &AOF{
		path:   path,
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

// Append buffers one command line. The caller decides when the buffer is
// flushed or synced according to the fsync policy.
func (a *AOF) Append(line string) error {
	if _, err := a.writer.WriteString(line); err != nil {
		return err
	}
	return a.writer.WriteByte('\n')
}

// AppendRaw buffers pre-formatted journal bytes (newline-terminated lines).
// Used to replay the rewrite backlog onto a freshly reopened journal.
func (a *AOF) AppendRaw(b []byte) error {
	_, err := a.writer.Write(b)
	return err
}

// Flush pushes buffered bytes to the OS without forcing them to disk.
func (a *AOF) Flush() error {
	return a.writer.Flush()
}

// Sync flushes buffered bytes and forces the OS to commit them to stable
// storage.
func (a *AOF) Sync() error {
	if err := a.writer.Flush(); err != nil {
		return err
	}
	return a.file.Sync()
}

// Size flushes and returns the current journal size in bytes.
func (a *AOF) Size() (int64, error) {
	if err := a.writer.Flush(); err != nil {
		return 0, err
	}
	stat, err := a.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// Reopen closes the current handle and opens the canonical path again. After
// a background rewrite renamed its output over the path, the old handle
// still points at the replaced inode; this switches appends to the rewritten
// file.
func (a *AOF) Reopen() error {
	// Best effort: anything still buffered belongs to the old generation
	// and is superseded by the rewrite output plus the backlog.
	_ = a.writer.Flush()
	_ = a.file.Close()

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return fmt.Errorf("reopen journal after rewrite: %w", err)
	}

	a.file = f
	a.writer.Reset(f)
	return nil
}

func (a *AOF) Close() error {
	if err := a.writer.Flush(); err != nil {
		return err
	}
	if err := a.file.Sync(); err != nil {
		return err
	}
	return a.file.Close()
}

// replayAOF reconstructs store state by re-executing every journaled command
// in file order. It returns found=false when no journal exists at path.
//
// A partial last line with no terminator is the normal artifact of a crash
// mid-append; it is logged and skipped. Anything else that fails to execute
// as a write command means real corruption and aborts startup.
func replayAOF(path string, kv keyValue, logger *slog.Logger) (replayed int, found bool, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = f.Close() }()

	reader := bufio.NewReader(f)
	lineNo := 0

	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			if len(line) > 0 {
				logger.Warn("journal ends with a partial command, ignoring it (normal after a crash)",
					"path", path, "line", lineNo+1)
			}
			break
		}
		if err != nil {
			return replayed, true, fmt.Errorf("read journal line %d: %w", lineNo+1, err)
		}

		lineNo++
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd := parseCommand(line)
		if cmd.Name != "SET" && cmd.Name != "DEL" {
			return replayed, true, fmt.Errorf("journal line %d: unexpected command %q", lineNo, cmd.Name)
		}

		if reply, _ := execute(kv, cmd); len(reply) > 0 && reply[0] == '-' {
			return replayed, true, fmt.Errorf("journal line %d: replay rejected %q", lineNo, line)
		}
		replayed++
	}

	return replayed, true, nil
}
