package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/conneroisu/sitepipe/internal/reload"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed for the peer to answer a ping.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// client is one connected browser.
type client struct {
	conn   *websocket.Conn
	sub    *reload.Subscription
	server *Server
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Validate origin before accepting connection
	if !s.checkOrigin(r) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.allowedOrigins(),
	})
	if err != nil {
		s.logger.Warn(r.Context(), err, "WebSocket upgrade failed")
		return
	}

	c := &client{
		conn:   conn,
		sub:    s.opts.Hub.Subscribe(),
		server: s,
	}
	s.logger.Debug(r.Context(), "Reload client connected", "clients", s.opts.Hub.Count())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		cancel()
	}()

	go c.writePump(ctx, cancel)
	go c.readPump(ctx, cancel)
}

// allowedOrigins lists the hosts a page served by this server can have.
func (s *Server) allowedOrigins() []string {
	origins := []string{s.Addr()}
	if _, port, err := net.SplitHostPort(s.Addr()); err == nil {
		origins = append(origins,
			net.JoinHostPort("localhost", port),
			net.JoinHostPort("127.0.0.1", port),
		)
	}
	return origins
}

// checkOrigin validates the request origin for security
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if originURL.Scheme != "http" && originURL.Scheme != "https" {
		return false
	}

	if originURL.Host == r.Host {
		return true
	}
	for _, allowed := range s.allowedOrigins() {
		if originURL.Host == allowed {
			return true
		}
	}

	return false
}

// readPump drains the connection so control frames are processed. Browsers
// never send anything meaningful.
func (c *client) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer func() {
		cancel()
		c.sub.Close()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				c.server.logger.Debug(ctx, "WebSocket read ended", "error", err.Error())
			}
			return
		}
	}
}

// writePump forwards hub events to the connection as JSON.
func (c *client) writePump(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		c.conn.Close(websocket.StatusGoingAway, "")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-c.sub.Events():
			if !ok {
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, writeWait)
			err := wsjson.Write(writeCtx, c.conn, ev)
			writeCancel()
			if err != nil {
				c.server.logger.Debug(ctx, "WebSocket write failed", "error", err.Error())
				return
			}

		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongWait)
			err := c.conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		}
	}
}
