package network

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"uk.co.dudmesh.telex/internal/model"
	"uk.co.dudmesh.telex/internal/observability"
)

const (
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 8023
	DefaultMaxMessageSize = 65536

	writeTimeout = 5 * time.Second
)

const (
	frameInvalidUTF8 = "Invalid UTF-8 encoding"
	frameTooLarge    = "Message exceeds maximum size"
)

// Handler receives every message that passes validation. An error is logged
// and the connection stays open.
type Handler func(ctx context.Context, msg *model.Message) error

type Config struct {
	Host           string
	Port           int
	MaxMessageSize int
	// MaxConnections caps concurrent connections; 0 means unbounded.
	MaxConnections int
}

// Listener accepts newline-delimited JSON messages over TCP.
type Listener struct {
	config  Config
	handler Handler
	log     *logrus.Entry

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	closing  bool
	acceptWG sync.WaitGroup
	connWG   sync.WaitGroup
}

func New(config Config, handler Handler) *Listener {
	if config.Host == "" {
		config.Host = DefaultHost
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Listener{
		config:  config,
		handler: handler,
		log:     observability.Component("network"),
		conns:   map[net.Conn]struct{}{},
	}
}

// Start binds the configured address and begins accepting connections in the
// background. Handlers are called with ctx.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln != nil {
		return errors.New("listener already started")
	}

	addr := net.JoinHostPort(l.config.Host, strconv.Itoa(l.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	if l.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, l.config.MaxConnections)
	}
	l.ln = ln
	l.closing = false

	l.acceptWG.Add(1)
	go l.acceptLoop(ctx, ln)

	l.log.WithFields(logrus.Fields{
		"addr":             ln.Addr().String(),
		"max_message_size": l.config.MaxMessageSize,
		"max_connections":  l.config.MaxConnections,
	}).Info("listener started")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Stop closes the listening socket and interrupts reads on open connections.
// Handler calls already in progress run to completion.
func (l *Listener) Stop() {
	l.mu.Lock()
	ln := l.ln
	if ln == nil {
		l.mu.Unlock()
		return
	}
	l.ln = nil
	l.closing = true
	ln.Close()
	l.mu.Unlock()

	l.acceptWG.Wait()

	l.mu.Lock()
	for conn := range l.conns {
		conn.SetReadDeadline(time.Now())
	}
	l.mu.Unlock()

	l.connWG.Wait()
	l.log.Info("listener stopped")
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) {
	defer l.acceptWG.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.log.WithError(err).Warn("temporary accept error")
				time.Sleep(10 * time.Millisecond)
				continue
			}
			l.log.WithError(err).Error("accept failed")
			return
		}

		if !l.track(conn) {
			conn.Close()
			continue
		}
		l.connWG.Add(1)
		go l.serve(ctx, conn)
	}
}

func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, conn)
}

func (l *Listener) stopping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closing
}

func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	defer l.connWG.Done()
	defer l.untrack(conn)
	defer conn.Close()

	observability.ConnectionsActive.Inc()
	defer observability.ConnectionsActive.Dec()

	log := l.log.WithField("peer", conn.RemoteAddr().String())
	log.Info("connection opened")
	defer log.Info("connection closed")

	// room for the line terminator, which is not counted against the limit
	limit := l.config.MaxMessageSize + 2
	initial := 4096
	if initial > limit {
		initial = limit
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, initial), limit)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) > l.config.MaxMessageSize {
			observability.FramesRejected.WithLabelValues("size").Inc()
			l.reject(conn, log, frameTooLarge)
			return
		}
		if !utf8.Valid(line) {
			observability.FramesRejected.WithLabelValues("utf8").Inc()
			l.reject(conn, log, frameInvalidUTF8)
			return
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		observability.FramesReceived.Inc()

		msg, reason, err := decode(line)
		if err != nil {
			observability.FramesRejected.WithLabelValues(reason).Inc()
			log.WithError(err).Warn("rejected frame")
			l.reject(conn, log, errorText(reason, err))
			return
		}

		if !l.dispatch(ctx, log, msg) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		switch {
		case errors.Is(err, bufio.ErrTooLong):
			observability.FramesRejected.WithLabelValues("size").Inc()
			l.reject(conn, log, frameTooLarge)
		case l.stopping():
		default:
			log.WithError(err).Warn("read failed")
		}
	}
}

// decode turns one frame into a message. reason is the rejection label used
// for metrics and the error frame.
func decode(line []byte) (*model.Message, string, error) {
	if !json.Valid(line) {
		var v interface{}
		err := json.Unmarshal(line, &v)
		if err == nil {
			err = errors.New("invalid JSON")
		}
		return nil, "json", err
	}
	msg, err := model.ParseMessage(line)
	if err != nil {
		return nil, "validation", err
	}
	return msg, "", nil
}

func errorText(reason string, err error) string {
	switch reason {
	case "json":
		return "Malformed JSON: " + err.Error()
	case "validation":
		return "Validation error: " + err.Error()
	}
	return err.Error()
}

// dispatch calls the handler once. It returns false when the connection
// should be closed because the handler panicked.
func (l *Listener) dispatch(ctx context.Context, log *logrus.Entry, msg *model.Message) (ok bool) {
	log = log.WithField("message_id", msg.MessageID.String())
	defer func() {
		if r := recover(); r != nil {
			observability.HandlerErrors.Inc()
			log.WithField("panic", fmt.Sprint(r)).Error("message handler panicked")
			ok = false
		}
	}()

	if err := l.handler(ctx, msg); err != nil {
		observability.HandlerErrors.Inc()
		log.WithError(err).Error("message handler failed")
	}
	return true
}

func (l *Listener) reject(conn net.Conn, log *logrus.Entry, text string) {
	frame, err := json.Marshal(map[string]string{"error": text})
	if err != nil {
		log.WithError(err).Error("encoding error frame")
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(append(frame, '\n')); err != nil {
		log.WithError(err).Warn("writing error frame")
	}
}
