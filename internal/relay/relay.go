// Package relay is the rendezvous server: it routes signaling frames
// between connected HIDs and serves the public-key directory. Frames
// for offline recipients are dropped with a nack; the relay never
// persists payloads.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"balancechain/internal/repository/directory"
	redisSvc "balancechain/internal/service/redis"
	"balancechain/internal/signaling"
	"balancechain/internal/utils/log"
)

const (
	presenceTTL     = 60 * time.Second
	presenceRefresh = 30 * time.Second
)

type (
	Relay struct {
		mu      sync.Mutex
		clients map[string]*wsConn

		redisService *redisSvc.RedisService // optional, enables multi-instance routing
		directory    *directory.Repo        // optional, enables the key directory
	}

	wsConn struct {
		conn *websocket.Conn
		mu   sync.Mutex
	}
)

func New(redisService *redisSvc.RedisService, dir *directory.Repo) *Relay {
	return &Relay{
		clients:      make(map[string]*wsConn),
		redisService: redisService,
		directory:    dir,
	}
}

func (r *Relay) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/signal", r.HandleSignal()).Methods(http.MethodGet)
	router.HandleFunc("/keys/{hid}", r.GetKeys()).Methods(http.MethodGet)
	router.HandleFunc("/keys", r.PutKeys()).Methods(http.MethodPost)
	router.HandleFunc("/presence/{hid}", r.GetPresence()).Methods(http.MethodGet)
	return router
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) writeRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (r *Relay) HandleSignal() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			return true // identifier routing only, no ambient authority
		},
	}

	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			http.Error(w, "Failed to upgrade", http.StatusInternalServerError)
			return
		}
		go r.processFrames(&wsConn{conn: conn})
	}
}

func (r *Relay) processFrames(c *wsConn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hid := ""
	defer func() {
		if hid != "" {
			r.unregister(ctx, hid, c)
		}
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("relay: websocket closed", zap.String("hid", hid), zap.Error(err))
			return
		}

		var f signaling.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue // unparseable frames are dropped
		}

		switch f.T {
		case "hello":
			if f.Hid == "" {
				continue
			}
			hid = f.Hid
			r.register(ctx, hid, c)
			if err := c.writeJSON(signaling.Frame{T: "hello", OK: true, Hid: hid}); err != nil {
				log.Debug("relay: hello reply failed", zap.Error(err))
			}

		case "send":
			if hid == "" || f.To == "" {
				continue
			}
			r.route(ctx, c, hid, f.To, f.Data)
		}
	}
}

// route delivers a frame to a locally connected recipient, or hands it
// to another relay instance over pub/sub, or nacks.
func (r *Relay) route(ctx context.Context, src *wsConn, from, to string, data json.RawMessage) {
	out, err := json.Marshal(signaling.Frame{T: "msg", From: from, Data: data})
	if err != nil {
		return
	}

	r.mu.Lock()
	dst := r.clients[to]
	r.mu.Unlock()

	if dst != nil {
		if err := dst.writeRaw(out); err != nil {
			log.Debug("relay: local delivery failed", zap.String("to", to), zap.Error(err))
		}
		return
	}

	if r.redisService != nil {
		receivers, err := r.redisService.Publish(ctx, "signal:"+to, out)
		if err != nil {
			log.Error("relay: publish failed", zap.String("to", to), zap.Error(err))
		} else if receivers > 0 {
			return
		}
	}

	if err := src.writeJSON(signaling.Frame{T: "nack", To: to, Reason: "offline"}); err != nil {
		log.Debug("relay: nack failed", zap.Error(err))
	}
}

func (r *Relay) register(ctx context.Context, hid string, c *wsConn) {
	r.mu.Lock()
	r.clients[hid] = c
	r.mu.Unlock()

	if r.redisService == nil {
		return
	}

	// The key's value is the connect time, served by GetPresence.
	since := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := r.redisService.SetEX(ctx, "presence:"+hid, since, presenceTTL); err != nil {
		log.Error("relay: presence set failed", zap.String("hid", hid), zap.Error(err))
	}

	// Accept frames published by sibling relay instances for this hid.
	sub := r.redisService.Subscribe(ctx, "signal:"+hid)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				if err := c.writeRaw([]byte(m.Payload)); err != nil {
					return
				}
			}
		}
	}()

	// Keep the presence key alive while connected.
	go func() {
		ticker := time.NewTicker(presenceRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.redisService.SetEX(ctx, "presence:"+hid, since, presenceTTL); err != nil {
					log.Debug("relay: presence refresh failed", zap.Error(err))
				}
			}
		}
	}()
}

func (r *Relay) unregister(ctx context.Context, hid string, c *wsConn) {
	r.mu.Lock()
	if r.clients[hid] == c {
		delete(r.clients, hid)
	}
	r.mu.Unlock()

	if r.redisService != nil {
		if err := r.redisService.Del(ctx, "presence:"+hid); err != nil {
			log.Debug("relay: presence del failed", zap.Error(err))
		}
	}
}
