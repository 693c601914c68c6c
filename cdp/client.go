// Package cdp speaks the Chrome DevTools Protocol over a WebSocket: it
// correlates command responses by message ID and routes events to the
// subscribers of the session and frame they belong to.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"

	"github.com/grafana/browsermirror/cdp/domains"
	"github.com/grafana/browsermirror/log"
)

var (
	// ErrNotConnected is returned when executing commands before Connect.
	ErrNotConnected = errors.New("not connected to a browser")
	// ErrConnectionClosed is returned when the connection ends while a
	// command is in flight or afterwards.
	ErrConnectionClosed = errors.New("browser connection closed")
)

var _ cdp.Executor = &Client{}

// Client manages CDP communication with the browser.
type Client struct {
	ctx    context.Context
	logger *log.Logger

	Browser domains.Browser
	Target  domains.Target

	conn      *connection
	connected atomic.Bool
	msgID     int64
	sendCh    chan *cdproto.Message
	msgSubsMu sync.Mutex
	msgSubs   map[int64]chan *cdproto.Message

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	watcher *eventWatcher
	wsURL   string
}

// NewClient returns a new Client that is unusable until a CDP connection is
// established with Connect().
func NewClient(ctx context.Context, logger *log.Logger) *Client {
	c := &Client{
		ctx:     ctx,
		logger:  logger,
		sendCh:  make(chan *cdproto.Message, 32), // Buffered to avoid blocking in Execute
		msgSubs: make(map[int64]chan *cdproto.Message),
		done:    make(chan struct{}),
		watcher: newEventWatcher(),
	}

	c.Target = domains.NewTarget(c)
	c.Browser = domains.NewBrowser(c)

	return c
}

// Connect to the browser that exposes a CDP API at wsURL.
func (c *Client) Connect(wsURL string) (err error) {
	if c.wsURL != "" {
		return fmt.Errorf("CDP connection already established to %q", c.wsURL)
	}

	if c.conn, err = newConnection(c.ctx, wsURL, c.logger); err != nil {
		return err
	}
	c.logger.Debugf("Client:Connect", "established CDP connection to %q", wsURL)
	c.wsURL = wsURL
	c.connected.Store(true)

	go c.recvLoop()
	go c.sendLoop()

	return nil
}

// Disconnect from the browser's CDP API. Event subscriptions are closed and
// in-flight commands fail with ErrConnectionClosed.
func (c *Client) Disconnect() error {
	if c.conn == nil {
		return nil
	}
	return c.shutdown(nil)
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// URL is the WebSocket URL the client is connected to.
func (c *Client) URL() string {
	return c.wsURL
}

func (c *Client) shutdown(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()

		c.connected.Store(false)
		err = c.conn.close(websocket.CloseNormalClosure)
		close(c.done)
		c.watcher.closeAll()
		c.logger.Debugf("Client:shutdown", "wsURL:%q cause:%v", c.wsURL, cause)
	})
	return err
}

// Execute implements cdp.Executor and performs a synchronous send and
// receive. The command is routed to the session set with WithSessionID.
func (c *Client) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if !c.connected.Load() {
		select {
		case <-c.done:
			return ErrConnectionClosed
		default:
			return ErrNotConnected
		}
	}

	var buf []byte
	if params != nil {
		var err error
		if buf, err = easyjson.Marshal(params); err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
	}

	id := atomic.AddInt64(&c.msgID, 1)
	msg := &cdproto.Message{
		ID:        id,
		SessionID: GetSessionID(ctx),
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}
	c.logger.Tracef("Client:Execute", "id:%d sid:%v method:%q", id, msg.SessionID, method)

	// Register before sending, the reply can arrive before send returns.
	recvCh := make(chan *cdproto.Message, 1)
	c.msgSubsMu.Lock()
	c.msgSubs[id] = recvCh
	c.msgSubsMu.Unlock()
	defer func() {
		c.msgSubsMu.Lock()
		delete(c.msgSubs, id)
		c.msgSubsMu.Unlock()
	}()

	select {
	case c.sendCh <- msg:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnectionClosed
	}

	select {
	case reply := <-recvCh:
		if reply.Error != nil {
			return fmt.Errorf("%s: %w", method, reply.Error)
		}
		if res != nil && len(reply.Result) > 0 {
			if err := easyjson.Unmarshal(reply.Result, res); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnectionClosed
	}
}

// Subscribe returns a channel that will be notified when the provided CDP
// events are received for the session set in ctx (the browser session when
// unset) and the given frame ID (any frame when empty), and a cancellation
// function that will unsubscribe and close the channel.
func (c *Client) Subscribe(
	ctx context.Context, frameID cdp.FrameID, events ...cdproto.MethodType,
) (<-chan *Event, func()) {
	return c.watcher.subscribe(GetSessionID(ctx), frameID, events...)
}

// Session returns an executor bound to the target attached with sessionID.
func (c *Client) Session(sessionID target.SessionID, targetID target.ID) *Session {
	return &Session{client: c, id: sessionID, targetID: targetID}
}

func (c *Client) recvLoop() {
	for {
		msg, err := c.conn.readMessage()
		if err != nil {
			if isExpectedClose(err) {
				_ = c.shutdown(nil)
			} else {
				c.logger.Debugf("Client:recvLoop", "wsURL:%q err:%v", c.wsURL, err)
				_ = c.shutdown(err)
			}
			return
		}

		switch {
		case msg.Method != "":
			evt, err := cdproto.UnmarshalMessage(msg)
			if err != nil {
				c.logger.Debugf("Client:recvLoop", "skipping %s: %v", msg.Method, err)
				continue
			}
			c.watcher.notify(&Event{
				Name:      msg.Method,
				Data:      evt,
				sessionID: msg.SessionID,
				frameID:   frameIDOf(msg.Params),
			})
		case msg.ID > 0:
			c.msgSubsMu.Lock()
			ch, ok := c.msgSubs[msg.ID]
			c.msgSubsMu.Unlock()
			if !ok {
				c.logger.Debugf("Client:recvLoop", "no waiter for reply id:%d", msg.ID)
				continue
			}
			ch <- msg // buffered, one reply per id
		default:
			c.logger.Errorf("Client:recvLoop", "ignoring malformed incoming CDP message (missing id or method): %#v", msg)
		}
	}
}

func (c *Client) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.conn.writeMessage(msg); err != nil {
				c.logger.Debugf("Client:sendLoop", "wsURL:%q id:%d err:%v", c.wsURL, msg.ID, err)
				_ = c.shutdown(err)
				return
			}
		case <-c.done:
			return
		case <-c.ctx.Done():
			c.logger.Debugf("Client:sendLoop", "returning, ctx.Err: %q", c.ctx.Err())
			_ = c.shutdown(c.ctx.Err())
			return
		}
	}
}

// frameIDOf extracts the frameId param of an event, if it has one.
func frameIDOf(params easyjson.RawMessage) cdp.FrameID {
	if len(params) == 0 {
		return ""
	}
	var p struct {
		FrameID cdp.FrameID `json:"frameId"`
	}
	_ = json.Unmarshal(params, &p)
	return p.FrameID
}

// Session routes commands and event subscriptions to one attached target.
type Session struct {
	client   *Client
	id       target.SessionID
	targetID target.ID
}

var _ cdp.Executor = &Session{}

// ID is the CDP session ID.
func (s *Session) ID() target.SessionID { return s.id }

// TargetID is the ID of the target the session is attached to.
func (s *Session) TargetID() target.ID { return s.targetID }

// Execute implements cdp.Executor for the session's target.
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return s.client.Execute(WithSessionID(ctx, s.id), method, params, res)
}

// Subscribe subscribes to events of the session's target.
func (s *Session) Subscribe(ctx context.Context, events ...cdproto.MethodType) (<-chan *Event, func()) {
	return s.client.Subscribe(WithSessionID(ctx, s.id), "", events...)
}

// Done is closed when the underlying connection ends.
func (s *Session) Done() <-chan struct{} { return s.client.Done() }
