// Package cdptest provides an in-process stand-in for a CDP speaking
// browser, served over a real WebSocket.
package cdptest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/mccutchen/go-httpbin/httpbin"
)

// CDPPath is the path the WebSocket endpoint is served at.
const CDPPath = "/devtools/browser/cdptest"

// HandlerFunc answers a command. A non-empty result must be a JSON object,
// an empty one replies with {}. A non-nil error is sent as a CDP error reply.
type HandlerFunc func(s *Server, msg *cdproto.Message) (result string, err error)

// Server can be used as a test alternative to a real CDP compatible browser.
// Unknown commands are answered with an empty result. Plain HTTP requests
// are served by httpbin so that pages have an origin to load.
type Server struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server

	mu       sync.Mutex
	handlers map[cdproto.MethodType]HandlerFunc
	received []*cdproto.Message
	conns    map[*peer]struct{}
}

type peer struct {
	writeCh  chan *cdproto.Message
	done     chan struct{}
	stopOnce sync.Once
}

func (p *peer) stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

// NewServer returns a running server, closed when the test ends.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.Handle("/", httpbin.New().Handler())

	s := &Server{
		t:        t,
		Mux:      mux,
		handlers: make(map[cdproto.MethodType]HandlerFunc),
		conns:    make(map[*peer]struct{}),
	}
	mux.Handle(CDPPath, http.HandlerFunc(s.serveCDP))
	for _, opt := range opts {
		opt(s)
	}

	s.ServerHTTP = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

// WithHandler answers method with fn.
func WithHandler(method string, fn HandlerFunc) func(*Server) {
	return func(s *Server) {
		s.Handle(method, fn)
	}
}

// WithResult answers method with a fixed JSON result.
func WithResult(method, result string) func(*Server) {
	return WithHandler(method, Result(result))
}

// Result returns a handler that always answers with result.
func Result(result string) HandlerFunc {
	return func(*Server, *cdproto.Message) (string, error) {
		return result, nil
	}
}

// Handle answers method with fn, replacing any previous handler.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[cdproto.MethodType(method)] = fn
}

// URL is the WebSocket URL of the CDP endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.ServerHTTP.URL, "http") + CDPPath
}

// Close terminates every connection and shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	for p := range s.conns {
		p.stop()
	}
	s.mu.Unlock()
	s.ServerHTTP.CloseClientConnections()
	s.ServerHTTP.Close()
}

// Emit sends an event to every connected client. An empty sessionID emits a
// browser level event.
func (s *Server) Emit(method string, sessionID target.SessionID, params string) {
	msg := &cdproto.Message{
		Method:    cdproto.MethodType(method),
		SessionID: sessionID,
		Params:    easyjson.RawMessage(params),
	}

	s.mu.Lock()
	peers := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		select {
		case p.writeCh <- msg:
		case <-p.done:
		}
	}
}

// Received returns the commands received for method, in arrival order.
func (s *Server) Received(method string) []*cdproto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*cdproto.Message
	for _, m := range s.received {
		if m.Method == cdproto.MethodType(method) {
			out = append(out, m)
		}
	}
	return out
}

// Count returns how many times method was received.
func (s *Server) Count(method string) int {
	return len(s.Received(method))
}

func (s *Server) serveCDP(w http.ResponseWriter, req *http.Request) {
	conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
	if err != nil {
		return
	}
	defer conn.Close()

	p := &peer{
		writeCh: make(chan *cdproto.Message),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, p)
		s.mu.Unlock()
	}()

	go func() {
		defer p.stop()
		for {
			msg, err := read(conn)
			if err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, msg)
			fn := s.handlers[msg.Method]
			s.mu.Unlock()

			reply := &cdproto.Message{ID: msg.ID, SessionID: msg.SessionID}
			result := "{}"
			if fn != nil {
				res, err := fn(s, msg)
				switch {
				case err != nil:
					reply.Error = &cdproto.Error{Code: -32000, Message: err.Error()}
				case res != "":
					result = res
				}
			}
			if reply.Error == nil {
				reply.Result = easyjson.RawMessage(result)
			}
			select {
			case p.writeCh <- reply:
			case <-p.done:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-p.writeCh:
			if err := write(conn, msg); err != nil {
				p.stop()
				return
			}
		case <-p.done:
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func read(conn *websocket.Conn) (*cdproto.Message, error) {
	_, buf, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var msg cdproto.Message
	decoder := jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&decoder)
	if err := decoder.Error(); err != nil {
		return nil, err
	}

	return &msg, nil
}

func write(conn *websocket.Conn, msg *cdproto.Message) error {
	encoder := jwriter.Writer{}
	msg.MarshalEasyJSON(&encoder)
	if err := encoder.Error; err != nil {
		return err
	}

	writer, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := encoder.DumpTo(writer); err != nil {
		return err
	}
	return writer.Close()
}

// Params decodes the params of msg into v.
func Params(msg *cdproto.Message, v easyjson.Unmarshaler) error {
	if err := easyjson.Unmarshal(msg.Params, v); err != nil {
		return fmt.Errorf("decoding %s params: %w", msg.Method, err)
	}
	return nil
}
