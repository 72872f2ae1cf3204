package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/process"
)

const (
	feedSendBuffer   = 64
	feedWriteTimeout = 10 * time.Second
	feedPongWait     = 60 * time.Second
	feedPingPeriod   = feedPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// feedHub fans committed events out to websocket subscribers. Each message
// is one binary frame holding a SignedEvent.
type feedHub struct {
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[*feedConn]struct{}
	closed bool
}

type feedConn struct {
	ws     *websocket.Conn
	system *model.PublicKey
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func newFeedHub(logger *slog.Logger) *feedHub {
	return &feedHub{logger: logger, conns: make(map[*feedConn]struct{})}
}

// EventApplied implements process.Listener. Slow subscribers lose events
// rather than stall the writer; they can catch up with a range sync.
func (f *feedHub) EventApplied(_ context.Context, a *process.Applied) {
	msg := a.Signed.Marshal()

	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.conns {
		if c.system != nil && !c.system.Equal(a.Event.System) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			feedDroppedTotal.Inc()
			f.logger.Debug("feed subscriber behind, dropping event", "pointer", a.Event.Pointer().String())
		}
	}
}

func (f *feedHub) join(c *feedConn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.conns[c] = struct{}{}
	feedSubscribers.Inc()
	return true
}

func (f *feedHub) leave(c *feedConn) {
	f.mu.Lock()
	if _, ok := f.conns[c]; ok {
		delete(f.conns, c)
		feedSubscribers.Dec()
	}
	f.mu.Unlock()
	c.stop()
}

func (f *feedHub) close() {
	f.mu.Lock()
	conns := make([]*feedConn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.closed = true
	f.mu.Unlock()
	for _, c := range conns {
		f.leave(c)
	}
}

func (c *feedConn) stop() {
	c.once.Do(func() { close(c.done) })
}

func (s *Server) getFeed(c *gin.Context) {
	var filter *model.PublicKey
	if c.Query("system") != "" {
		system, err := systemParam(c)
		if err != nil {
			s.abort(c, err)
			return
		}
		filter = &system
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("feed upgrade failed", "error", err)
		return
	}
	conn := &feedConn{
		ws:     ws,
		system: filter,
		send:   make(chan []byte, feedSendBuffer),
		done:   make(chan struct{}),
	}
	if !s.feed.join(conn) {
		_ = ws.Close()
		return
	}

	go conn.readLoop(s.feed)
	conn.writeLoop(s.feed)
}

// readLoop discards client frames and notices disconnects.
func (c *feedConn) readLoop(hub *feedHub) {
	defer hub.leave(c)
	c.ws.SetReadLimit(512)
	_ = c.ws.SetReadDeadline(time.Now().Add(feedPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *feedConn) writeLoop(hub *feedHub) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		hub.leave(c)
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}
