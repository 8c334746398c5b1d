package daemon

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// LogBroadcaster fans daemon log lines out to connected `logs` clients and
// keeps a bounded history for late subscribers
type LogBroadcaster struct {
	mu      sync.Mutex
	clients map[chan string]struct{}
	history []string
	maxHist int
}

func NewLogBroadcaster(historySize int) *LogBroadcaster {
	if historySize <= 0 {
		historySize = 200
	}
	return &LogBroadcaster{
		clients: make(map[chan string]struct{}),
		history: make([]string, 0, historySize),
		maxHist: historySize,
	}
}

// Subscribe registers a client and returns up to historyLines recent lines
func (lb *LogBroadcaster) Subscribe(historyLines int) (chan string, []string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ch := make(chan string, 100)
	lb.clients[ch] = struct{}{}

	var history []string
	if historyLines > 0 && len(lb.history) > 0 {
		start := max(len(lb.history)-historyLines, 0)
		history = append(history, lb.history[start:]...)
	}
	return ch, history
}

func (lb *LogBroadcaster) Unsubscribe(ch chan string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if _, ok := lb.clients[ch]; ok {
		delete(lb.clients, ch)
		close(ch)
	}
}

// Broadcast records message and sends it to every client. Slow clients miss
// lines instead of blocking the logger.
func (lb *LogBroadcaster) Broadcast(message string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.history) >= lb.maxHist {
		lb.history = lb.history[1:]
	}
	lb.history = append(lb.history, message)

	for ch := range lb.clients {
		select {
		case ch <- message:
		default:
		}
	}
}

// History returns a copy of the buffered lines
func (lb *LogBroadcaster) History() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return append([]string(nil), lb.history...)
}

func (lb *LogBroadcaster) Write(p []byte) (int, error) {
	lb.Broadcast(string(p))
	return len(p), nil
}

// NewLogHandler returns the tint handler used by the daemon and the CLI
func NewLogHandler(w io.Writer, level slog.Level) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})
}

// setupLogging tees the default logger to stderr and the broadcaster
func (d *Daemon) setupLogging() {
	out := io.MultiWriter(d.logOutput, d.logBroadcast)
	slog.SetDefault(slog.New(NewLogHandler(out, d.settings.Level(d.verbose))))
}

// handleLogs streams log lines to conn until the client disconnects or the daemon stops
func (d *Daemon) handleLogs(conn net.Conn, historyLines int) {
	logChan, history := d.logBroadcast.Subscribe(historyLines)
	defer d.logBroadcast.Unsubscribe(logChan)

	if _, err := fmt.Fprintln(conn, "Connected to tunnelmgr logs. Press Ctrl+C to exit."); err != nil {
		return
	}
	for _, line := range history {
		if _, err := io.WriteString(conn, line); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, bufio.NewReader(conn))
		close(done)
	}()

	for {
		select {
		case line := <-logChan:
			if _, err := io.WriteString(conn, line); err != nil {
				return
			}
		case <-done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}
