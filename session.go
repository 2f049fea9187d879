package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/scalecode-solutions/mvirc/irc"
	"github.com/scalecode-solutions/mvirc/session"
)

const (
	// Time allowed to write a line to the peer.
	writeWait = 10 * time.Second
	// Read buffer for one inbound line. Longer lines are cut here and then
	// truncated again by the codec.
	maxReadLine = 4096
	// Default send buffer size
	sendBufferSize = 128
)

// lineConn is a transport that moves whole protocol lines.
type lineConn interface {
	// ReadLine returns the next inbound chunk. It may hold several lines.
	ReadLine() (string, error)
	// WriteLine writes one line without terminator.
	WriteLine(line string) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// tcpConn frames lines on a raw socket.
type tcpConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func newTCPConn(conn net.Conn) *tcpConn {
	return &tcpConn{conn: conn, r: bufio.NewReaderSize(conn, maxReadLine)}
}

func (c *tcpConn) ReadLine() (string, error) {
	line, err := c.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		// Keep the head and throw away the rest of the overlong line.
		head := string(line)
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = c.r.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
		return head, nil
	}
	if err != nil {
		return "", err
	}
	return string(line), nil
}

func (c *tcpConn) WriteLine(line string) error {
	_, err := c.conn.Write([]byte(irc.Terminate(line)))
	return err
}

func (c *tcpConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *tcpConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *tcpConn) Close() error                       { return c.conn.Close() }

// wsConn carries one line per WebSocket text frame.
type wsConn struct {
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(maxReadLine)
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadLine() (string, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return string(data), nil
		}
	}
}

func (c *wsConn) WriteLine(line string) error {
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

func (c *wsConn) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

// sessionConfig holds what every connection needs from the server.
type sessionConfig struct {
	hub          *Hub
	dispatcher   *Dispatcher
	serverName   string
	pingInterval time.Duration
	sendQueue    int
	log          *slog.Logger
}

// Session is one client connection.
type Session struct {
	state *session.State
	cfg   sessionConfig
	conn  lineConn
	send  chan string
	log   *slog.Logger

	// Closing state
	closing int32
	once    sync.Once
	reason  string
}

// NewSession creates a new session.
func NewSession(cfg sessionConfig, conn lineConn, hostname string, tls bool) *Session {
	queue := cfg.sendQueue
	if queue <= 0 {
		queue = sendBufferSize
	}
	id := uuid.New().String()
	return &Session{
		state: session.New(id, hostname, tls),
		cfg:   cfg,
		conn:  conn,
		send:  make(chan string, queue),
		log:   cfg.log.With("session", id, "host", hostname),
	}
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.state.ID()
}

// State returns the registration state.
func (s *Session) State() *session.State {
	return s.state
}

// Send queues a line to be sent to the client.
// Safe to call from multiple goroutines.
func (s *Session) Send(line string) {
	// Close may close the channel between the check and the send.
	defer func() {
		if r := recover(); r != nil {
			// Channel was closed, session is closing - ignore
		}
	}()

	if atomic.LoadInt32(&s.closing) == 1 {
		return
	}
	select {
	case s.send <- line:
	default:
		// Buffer full, close the session
		go s.Close("SendQ exceeded")
	}
}

// Close stops accepting lines; the write pump flushes what is queued and
// drops the connection. Only the first call takes effect.
func (s *Session) Close(reason string) {
	s.once.Do(func() {
		s.reason = reason
		atomic.StoreInt32(&s.closing, 1)
		close(s.send)
	})
}

// closeReason returns the reason given to the first Close, or fallback.
func (s *Session) closeReason(fallback string) string {
	if atomic.LoadInt32(&s.closing) == 1 && s.reason != "" {
		return s.reason
	}
	return fallback
}

// Run registers the session, then pumps lines until the connection ends.
func (s *Session) Run(ctx context.Context) {
	if err := s.cfg.hub.Register(s); err != nil {
		s.conn.WriteLine("ERROR :Closing Link: Server shutting down")
		s.conn.Close()
		return
	}
	s.log.Debug("session opened", "tls", s.state.TLS())
	go s.writePump()
	s.readPump(ctx)
}

// readPump hands inbound chunks to the dispatcher.
func (s *Session) readPump(ctx context.Context) {
	reason := "Connection closed"
	defer func() {
		s.Close(reason)
		reason = s.closeReason(reason)
		s.cfg.hub.Unregister(s, reason)
		s.cfg.dispatcher.Forget(s.ID())
		s.log.Debug("session closed", "reason", reason)
	}()

	idle := 2 * s.cfg.pingInterval
	for {
		s.conn.SetReadDeadline(time.Now().Add(idle))
		chunk, err := s.conn.ReadLine()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				reason = "Ping timeout"
			} else if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				reason = "Read error: " + err.Error()
			}
			return
		}
		if err := s.cfg.dispatcher.HandleInbound(ctx, s.ID(), chunk); err != nil {
			s.log.Warn("dispatch failed", "error", err)
			return
		}
	}
}

// writePump drains the send queue and pings the client every ping interval.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	ping := irc.From(s.cfg.serverName, &irc.Ping{Token: s.cfg.serverName})
	for {
		select {
		case line, ok := <-s.send:
			if !ok {
				// Channel closed
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteLine(line); err != nil {
				s.Close("Write error: " + err.Error())
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteLine(ping); err != nil {
				s.Close("Write error: " + err.Error())
				return
			}
		}
	}
}
