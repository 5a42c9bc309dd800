/*
Package console serves the live log feed on the management surface.

GET <prefix>/logs returns recent entries as JSON. <prefix>/logs/ws upgrades
to a WebSocket that sends the recent backlog and then every new entry as
it is logged, so a developer can watch injection activity while the
webview loads pages.
*/
package console

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ushineko/webview-injector/internal/logbuf"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultRecent = 100
	maxRecent     = 1000
	writeTimeout  = 5 * time.Second
)

// Message is the envelope for every WebSocket message in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message types.
const (
	TypeLog      = "log"
	TypeDropped  = "dropped"
	TypeSetLevel = "set_level"
)

// SetLevelData is the payload of a set_level message from the client.
type SetLevelData struct {
	MinLevel string `json:"min_level"`
}

// DroppedData reports entries the server discarded for a slow client.
type DroppedData struct {
	Count int64 `json:"count"`
}

// query parses the n and level parameters shared by both endpoints.
func query(r *http.Request) (n int, minLevel slog.Level) {
	n = defaultRecent
	if raw := r.URL.Query().Get("n"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			n = v
		}
	}
	if n > maxRecent {
		n = maxRecent
	}
	minLevel = slog.LevelInfo
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		minLevel = logbuf.ParseLevel(lvl)
	}
	return n, minLevel
}

// RecentHandler returns recent log entries.
// Query params: n (max entries, default 100, max 1000), level (min level, default INFO).
func RecentHandler(buf *logbuf.Buffer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, minLevel := query(r)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(buf.Recent(n, minLevel)) //nolint:errcheck // best-effort response
	}
}

// StreamHandler upgrades the connection to a WebSocket and streams log
// entries until the client disconnects. It accepts the same query params as
// RecentHandler for the initial backlog. The client may send a set_level
// message to change the minimum level of live entries.
func StreamHandler(buf *logbuf.Buffer, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// Webview origins (capacitor://, file://) never match the server host.
			InsecureSkipVerify: true,
		})
		if err != nil {
			logger.Warn("websocket accept failed", "error", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck // best-effort close

		n, minLevel := query(r)
		backlog, sub := buf.Follow(n, minLevel)
		defer buf.Unsubscribe(sub)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Read pump: handles client messages and notices disconnects.
		go func() {
			defer cancel()
			for {
				var msg Message
				if err := wsjson.Read(ctx, conn, &msg); err != nil {
					return
				}
				if msg.Type != TypeSetLevel {
					continue
				}
				var data SetLevelData
				if json.Unmarshal(msg.Data, &data) == nil {
					sub.SetLevel(logbuf.ParseLevel(data.MinLevel))
				}
			}
		}()

		for _, e := range backlog {
			if err := send(ctx, conn, TypeLog, e); err != nil {
				return
			}
		}

		var reported int64
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				if dropped := sub.Dropped(); dropped > reported {
					if err := send(ctx, conn, TypeDropped, DroppedData{Count: dropped - reported}); err != nil {
						return
					}
					reported = dropped
				}
				if err := send(ctx, conn, TypeLog, e); err != nil {
					return
				}
			}
		}
	}
}

func send(ctx context.Context, conn *websocket.Conn, msgType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, Message{Type: msgType, Data: data})
}
