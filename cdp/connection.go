package cdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/oxtoacart/bpool"

	"github.com/grafana/browsermirror/log"
)

const (
	wsWriteBufferSize = 1 << 20
	handshakeTimeout  = 60 * time.Second
	closeTimeout      = 10 * time.Second
)

// connection is the WebSocket carrying the CDP messages of one browser.
// Reads happen on a single goroutine; writes are serialized.
type connection struct {
	ws     *websocket.Conn
	logger *log.Logger
	wsURL  string

	writeMu sync.Mutex
	bufs    *bpool.BufferPool

	closeOnce sync.Once
}

func newConnection(ctx context.Context, wsURL string, logger *log.Logger) (*connection, error) {
	wd := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}
	ws, _, err := wd.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dialing %q: %w", wsURL, err)
	}

	return &connection{
		ws:     ws,
		logger: logger,
		wsURL:  wsURL,
		bufs:   bpool.NewBufferPool(8),
	}, nil
}

// readMessage blocks until the next CDP message arrives.
func (c *connection) readMessage() (*cdproto.Message, error) {
	_, buf, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.logger.Tracef("cdp:recv", "<- %s", buf)

	var msg cdproto.Message
	decoder := jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&decoder)
	if err := decoder.Error(); err != nil {
		return nil, fmt.Errorf("decoding CDP message: %w", err)
	}

	return &msg, nil
}

// writeMessage encodes msg and writes it as one text frame.
func (c *connection) writeMessage(msg *cdproto.Message) error {
	var encoder jwriter.Writer
	msg.MarshalEasyJSON(&encoder)
	if err := encoder.Error; err != nil {
		return fmt.Errorf("encoding CDP message: %w", err)
	}

	buf := c.bufs.Get()
	defer c.bufs.Put(buf)
	if _, err := encoder.DumpTo(buf); err != nil {
		return fmt.Errorf("encoding CDP message: %w", err)
	}
	c.logger.Tracef("cdp:send", "-> %s", buf.Bytes())

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		return fmt.Errorf("writing CDP message: %w", err)
	}

	return nil
}

// close sends a close frame and closes the socket. It is safe to call more
// than once.
func (c *connection) close(code int) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		err = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(closeTimeout),
		)
		c.writeMu.Unlock()
		if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
			err = nil
		}
		if cerr := c.ws.Close(); cerr != nil && err == nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})

	return err
}

// isExpectedClose reports whether err is the normal end of the connection.
func isExpectedClose(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
