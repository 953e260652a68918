package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"coide/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBuffer     = 256

	// A client that keeps flooding past this many dropped frames is cut off.
	maxRateViolations = 1000
)

var (
	ErrClientClosed = errors.New("client closed")
	ErrSendBuffer   = errors.New("send buffer full")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

// Client is one live connection. Send is non-blocking: frames queue on a
// buffered channel drained by WritePump.
type Client struct {
	ID       string
	Identity models.Identity

	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu     sync.Mutex
	hook   func(models.Frame)
	closed bool
	done   chan struct{}
}

func NewClient(id string, identity models.Identity, conn *websocket.Conn) *Client {
	return &Client{
		ID:       id,
		Identity: identity,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func(models.Frame)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// SetRateLimit caps inbound frames per second with the given burst.
func (c *Client) SetRateLimit(perSecond float64, burst int) {
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Send marshals and queues one frame.
func (c *Client) Send(frame models.OutFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

// SendRaw queues an already encoded frame.
func (c *Client) SendRaw(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.hook != nil {
		var frame models.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return err
		}
		c.hook(frame)
		return nil
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBuffer
	}
}

// Close stops the write pump and closes the socket. Safe to call repeatedly.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) Done() <-chan struct{} { return c.done }

// ReadPump reads frames until the socket fails or the peer stops answering
// pings, handing each decoded frame to deliver. It returns the terminating
// error.
func (c *Client) ReadPump(deliver func(models.Frame), onDrop func(error)) error {
	if c.conn == nil {
		return ErrClientClosed
	}
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	violations := 0
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.limiter != nil && !c.limiter.Allow() {
			violations++
			if onDrop != nil && violations%100 == 1 {
				onDrop(ErrRateLimited)
			}
			if violations > maxRateViolations {
				return ErrRateLimited
			}
			continue
		}
		var frame models.Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			if onDrop != nil {
				onDrop(err)
			}
			continue
		}
		deliver(frame)
	}
}

// WritePump drains the send queue and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	if c.conn == nil {
		return
	}

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
