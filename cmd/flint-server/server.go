// server.go implements the event-driven architecture: a single goroutine
// multiplexing the listener and every client socket through epoll, with all
// reads and writes non-blocking.
//
// One iteration of the loop:
//
//  1. Wait for readiness (bounded by pollInterval so the persistence
//     triggers run even on an idle server; an interrupted wait is retried
//     unless the shutdown flag is set).
//  2. Accept one pending connection if the listener is ready.
//  3. For every ready client, perform one non-blocking read, then extract
//     and dispatch every complete newline-terminated command buffered so
//     far, queueing replies on the connection's write buffer.
//  4. For every connection with pending output, attempt one non-blocking
//     send; close connections that are draining and fully flushed.
//  5. Reap finished background persistence workers, apply the fsync policy,
//     and evaluate the snapshot trigger.
//
// Because the loop goroutine exclusively owns the store, the connections and
// the durability state, none of it is locked. Per-connection command and
// response order is FIFO; no ordering holds across connections.

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"flintkv.dev/internal/netpoll"
)

const (
	pollInterval  = 100 * time.Millisecond
	readChunkSize = 4096
)

// isTransientIOError reports whether a socket syscall failed in a way that
// only means "try again next iteration": no data ready (EAGAIN), or a signal
// interrupting the syscall mid-flight (EINTR). Neither says anything about
// the health of the connection.
func isTransientIOError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

// shuttingDown is the one piece of intentional global state: the flag shared
// between the signal handler goroutine and the server loops. Set once at
// shutdown; tests reset it between runs.
var shuttingDown atomic.Bool

type eventLoopServer struct {
	cfg     config
	logger  *slog.Logger
	store   *Store
	persist *persistence

	poller   *netpoll.Poller
	listenFd int
	port     int

	conns map[int]*clientConn

	// readyCh, when non-nil, is closed once the listener is bound. Test hook.
	readyCh chan struct{}
}

func newEventLoopServer(cfg config, logger *slog.Logger, store *Store, persist *persistence) *eventLoopServer {
	return &eventLoopServer{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		persist: persist,
		conns:   make(map[int]*clientConn),
	}
}

// requestShutdown flips the shutdown flag and interrupts the readiness wait.
// Safe to call from any goroutine.
func (s *eventLoopServer) requestShutdown() {
	shuttingDown.Store(true)
	if s.poller != nil {
		_ = s.poller.Wake()
	}
}

// run binds the listener and drives the loop until shutdown. Bind and
// poller-setup failures are fatal and propagate to main.
func (s *eventLoopServer) run() error {
	listenFd, port, err := netpoll.Listen(s.cfg.port)
	if err != nil {
		return err
	}
	s.listenFd = listenFd
	s.port = port

	poller, err := netpoll.New()
	if err != nil {
		_ = unix.Close(listenFd)
		return err
	}
	s.poller = poller

	if err := poller.Add(listenFd, false); err != nil {
		_ = unix.Close(listenFd)
		_ = poller.Close()
		return fmt.Errorf("register listener: %w", err)
	}

	if s.readyCh != nil {
		close(s.readyCh)
	}
	s.logger.Info("event loop server listening", "port", port)

	for !shuttingDown.Load() {
		events, err := s.poller.Wait(int(pollInterval.Milliseconds()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			s.logger.Error("readiness wait failed", "error", err)
			break
		}

		for _, ev := range events {
			if ev.FD == s.listenFd {
				if ev.Readable {
					s.acceptOne()
				}
				continue
			}

			c, ok := s.conns[ev.FD]
			if !ok {
				continue
			}
			if ev.Readable && !c.draining {
				s.readClient(c)
			}
		}

		s.flushClients()

		now := time.Now()
		s.persist.handleCompletions()
		s.persist.maybeFsync(now)
		s.evaluateSnapshotTrigger(now)
		s.evaluateRewriteTrigger()
	}

	s.shutdown()
	return nil
}

func (s *eventLoopServer) shutdown() {
	s.logger.Info("shutting down", "connections", len(s.conns))

	for fd := range s.conns {
		_ = s.poller.Remove(fd)
		_ = unix.Close(fd)
		delete(s.conns, fd)
	}

	_ = s.poller.Remove(s.listenFd)
	_ = unix.Close(s.listenFd)
	_ = s.poller.Close()

	s.persist.close()
	s.logger.Info("server stopped")
}

// acceptOne accepts exactly one pending connection. Accept failures are
// logged and ignored; they never abort the loop.
func (s *eventLoopServer) acceptOne() {
	fd, err := netpoll.Accept(s.listenFd)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			s.logger.Error("failed to accept connection", "error", err)
		}
		return
	}

	c := newClientConn(fd)
	if err := s.poller.Add(fd, false); err != nil {
		s.logger.Error("failed to register connection", "error", err, "fd", fd)
		_ = unix.Close(fd)
		return
	}

	s.conns[fd] = c
	s.logger.Info("new connection", "fd", fd)
}

// readClient performs one non-blocking read and processes every complete
// command the buffer now holds.
func (s *eventLoopServer) readClient(c *clientConn) {
	var buf [readChunkSize]byte

	n, err := unix.Read(c.fd, buf[:])
	if err != nil {
		if isTransientIOError(err) {
			return
		}
		s.logger.Error("read failed", "error", err, "fd", c.fd)
		s.disconnect(c)
		return
	}
	if n == 0 {
		s.logger.Info("client disconnected", "fd", c.fd)
		s.disconnect(c)
		return
	}

	c.appendInput(buf[:n])

	for {
		line, ok := c.nextCommand()
		if !ok {
			break
		}
		if line == "" {
			continue
		}
		s.dispatch(c, line)
		if c.draining {
			// QUIT: anything buffered past the terminator is not
			// executed; the connection drains and closes.
			break
		}
	}
}

// disconnect marks a connection for teardown. With no undelivered output it
// is removed immediately; otherwise it drains first.
func (s *eventLoopServer) disconnect(c *clientConn) {
	if !c.hasPendingOutput() {
		s.closeConn(c)
		return
	}
	c.draining = true
}

// dispatch executes one command line and queues the reply. BGSAVE and
// BGREWRITEAOF act on the durability subsystem, so they are intercepted
// before the store executor; everything else flows through execute, and
// successful writes are recorded in the journal before the change counter
// moves.
func (s *eventLoopServer) dispatch(c *clientConn, line string) {
	cmd := parseCommand(line)

	switch cmd.Name {
	case "QUIT":
		c.queueReply(simpleStringReply("OK"))
		c.draining = true

	case "BGSAVE":
		if err := s.persist.startSnapshot(s.store.CopyEntries()); err != nil {
			c.queueReply(errorReply(err.Error()))
			return
		}
		s.logger.Info("background save started", "keys", s.store.Len())
		c.queueReply(simpleStringReply("Background saving started"))

	case "BGREWRITEAOF":
		if err := s.persist.startRewrite(s.store.CopyEntries()); err != nil {
			c.queueReply(errorReply(err.Error()))
			return
		}
		s.logger.Info("background journal rewrite started", "keys", s.store.Len())
		c.queueReply(simpleStringReply("Background AOF rewrite started"))

	default:
		reply, mutated := execute(s.store, cmd)
		if mutated {
			s.persist.recordWrite(line)
		}
		c.queueReply(reply)
	}
}

// flushClients attempts one non-blocking send per connection with pending
// output, then reconciles epoll write interest and closes drained
// connections that were marked for disconnect.
func (s *eventLoopServer) flushClients() {
	for _, c := range s.conns {
		if c.hasPendingOutput() {
			n, err := unix.Write(c.fd, c.writeBuf)
			if n > 0 {
				c.consumeOutput(n)
			}
			if err != nil && !isTransientIOError(err) {
				s.logger.Error("write failed", "error", err, "fd", c.fd)
				s.closeConn(c)
				continue
			}
		}

		if c.draining && !c.hasPendingOutput() {
			s.closeConn(c)
			continue
		}

		// Keep EPOLLOUT registered exactly while output is pending, so
		// a once-blocked send retries as soon as the socket drains.
		if want := c.hasPendingOutput(); want != c.writable {
			if err := s.poller.Modify(c.fd, want); err == nil {
				c.writable = want
			}
		}
	}
}

func (s *eventLoopServer) closeConn(c *clientConn) {
	_ = s.poller.Remove(c.fd)
	_ = unix.Close(c.fd)
	delete(s.conns, c.fd)
}

func (s *eventLoopServer) evaluateSnapshotTrigger(now time.Time) {
	if !s.persist.shouldSnapshot(now) {
		return
	}
	// Automatic trigger: a refusal (save already running) just skips this
	// cycle; the condition is re-evaluated next iteration.
	if err := s.persist.startSnapshot(s.store.CopyEntries()); err != nil {
		s.logger.Error("automatic background save not started", "error", err)
		return
	}
	s.logger.Info("automatic background save started", "keys", s.store.Len())
}

func (s *eventLoopServer) evaluateRewriteTrigger() {
	if !s.persist.rewriteDue {
		return
	}
	s.persist.rewriteDue = false

	if err := s.persist.startRewrite(s.store.CopyEntries()); err != nil {
		s.logger.Error("automatic journal rewrite not started", "error", err)
		return
	}
	s.logger.Info("automatic journal rewrite started", "keys", s.store.Len())
}
