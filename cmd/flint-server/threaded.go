// threaded.go implements the goroutine-per-connection baseline. It serves
// the same wire contract for SET/GET/DEL/EXISTS/QUIT through the same
// executor, with the store wrapped in a mutex instead of owned by a loop.
// It carries no durability subsystem, so the persistence control commands
// fall through to the unknown-command reply.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

const threadedShutdownTimeout = 5 * time.Second

type threadedServer struct {
	cfg    config
	logger *slog.Logger
	store  *lockedStore

	listener net.Listener
	wg       sync.WaitGroup

	readyCh chan struct{}
}

func newThreadedServer(cfg config, logger *slog.Logger, store *Store) *threadedServer {
	return &threadedServer{
		cfg:    cfg,
		logger: logger,
		store:  newLockedStore(store),
	}
}

func (s *threadedServer) requestShutdown() {
	shuttingDown.Store(true)
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *threadedServer) run() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.port))
	if err != nil {
		return err
	}
	s.listener = ln

	if s.readyCh != nil {
		close(s.readyCh)
	}
	s.logger.Info("threaded server listening", "address", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("failed to accept connection", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}

	// Wait for in-flight handlers, but never hang on a stuck client.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(threadedShutdownTimeout):
		s.logger.Warn("shutdown timeout reached with handlers still running")
	}

	s.logger.Info("server stopped")
	return nil
}

func (s *threadedServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	remoteAddr := conn.RemoteAddr().String()
	s.logger.Info("new connection", "remote_addr", remoteAddr)

	reader := bufio.NewReader(conn)

	for {
		raw, err := reader.ReadString('\n')
		if err != nil {
			// A fragment with no terminator is never executed.
			if errors.Is(err, io.EOF) {
				s.logger.Info("client disconnected", "remote_addr", remoteAddr)
			} else {
				s.logger.Error("read failed", "error", err, "remote_addr", remoteAddr)
			}
			return
		}

		line := strings.TrimRight(raw, "\r\n")
		if line == "" {
			continue
		}

		cmd := parseCommand(line)
		reply, _ := execute(s.store, cmd)

		if _, err := conn.Write(reply); err != nil {
			s.logger.Error("write failed", "error", err, "remote_addr", remoteAddr)
			return
		}

		if cmd.Name == "QUIT" {
			return
		}
	}
}
