package connection

import (
	"log/slog"
	"net"
	"os"
	"sync"
)

// Listener accepts connections on a Unix domain socket and hands each one
// to a handler: stale socket removal, 0600 permissions, and a tracked
// client set closed on shutdown.
type Listener struct {
	path          string
	queueDepth    int
	maxFrameBytes int
	logger        *slog.Logger

	ln net.Listener

	mu    sync.Mutex
	conns map[*Conn]struct{}
	done  chan struct{}
}

// NewListener prepares a Listener bound to path once Start is called.
func NewListener(path string, queueDepth, maxFrameBytes int, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		path:          path,
		queueDepth:    queueDepth,
		maxFrameBytes: maxFrameBytes,
		logger:        logger.With("component", "connection-listener"),
		conns:         make(map[*Conn]struct{}),
		done:          make(chan struct{}),
	}
}

// Start removes any stale socket file, binds, and begins accepting in the
// background. handle is invoked in its own goroutine per accepted Conn.
func (l *Listener) Start(handle func(*Conn)) error {
	_ = os.Remove(l.path)

	ln, err := net.Listen("unix", l.path)
	if err != nil {
		return err
	}
	l.ln = ln
	_ = os.Chmod(l.path, 0600)

	go l.acceptLoop(handle)
	l.logger.Info("listening", "path", l.path)
	return nil
}

func (l *Listener) acceptLoop(handle func(*Conn)) {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				l.logger.Warn("accept error", "error", err)
				continue
			}
		}

		c := New(nc, l.queueDepth, l.maxFrameBytes, l.logger)
		l.mu.Lock()
		l.conns[c] = struct{}{}
		l.mu.Unlock()

		go func() {
			defer l.untrack(c)
			handle(c)
		}()
	}
}

func (l *Listener) untrack(c *Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
	_ = c.Close()
}

// Close stops accepting and closes every tracked connection.
func (l *Listener) Close() error {
	close(l.done)

	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}

	l.mu.Lock()
	for c := range l.conns {
		_ = c.Close()
	}
	l.conns = make(map[*Conn]struct{})
	l.mu.Unlock()

	_ = os.Remove(l.path)
	return err
}
