package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"hyperflow/logger"
)

// WSClient is a minimal Hyperliquid websocket consumer used by the probe
// tool to watch one book stream.
type WSClient struct {
	conn *websocket.Conn
	log  *logger.Log
}

type wsSubscription struct {
	Type string `json:"type"`
	Coin string `json:"coin"`
}

type wsRequest struct {
	Method       string          `json:"method"`
	Subscription *wsSubscription `json:"subscription,omitempty"`
}

type wsMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// BookUpdate is one L1 observation taken from the stream.
type BookUpdate struct {
	Coin   string
	TimeMs int64
	Bid    *float64
	Ask    *float64
}

func DialWS(ctx context.Context, url string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	log := logger.GetLogger()
	log.WithComponent("hyperliquid_ws").WithFields(logger.Fields{"url": url}).Info("websocket connected")

	return &WSClient{conn: conn, log: log}, nil
}

func (w *WSClient) SubscribeL2Book(coin string) error {
	req := wsRequest{
		Method:       "subscribe",
		Subscription: &wsSubscription{Type: "l2Book", Coin: coin},
	}
	if err := w.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("subscribe l2Book %s: %w", coin, err)
	}
	return nil
}

// Ping keeps the connection alive; the venue drops idle sockets.
func (w *WSClient) Ping() error {
	if err := w.conn.WriteJSON(wsRequest{Method: "ping"}); err != nil {
		return fmt.Errorf("ws ping: %w", err)
	}
	return nil
}

// ReadBook blocks until the next l2Book frame or the deadline. Frames on
// other channels (subscription acks, pongs) are skipped.
func (w *WSClient) ReadBook(timeout time.Duration) (*BookUpdate, error) {
	deadline := time.Now().Add(timeout)
	if err := w.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no l2Book frame within %s", timeout)
		}

		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read ws frame: %w", err)
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			w.log.WithComponent("hyperliquid_ws").WithError(err).Debug("skipping unparseable frame")
			continue
		}
		if msg.Channel != "l2Book" {
			continue
		}

		var book l2Book
		if err := json.Unmarshal(msg.Data, &book); err != nil {
			return nil, fmt.Errorf("decode l2Book frame: %w", err)
		}

		update := &BookUpdate{Coin: book.Coin, TimeMs: book.Time}
		if len(book.Levels) >= 2 {
			update.Bid = bestPrice(book.Levels[0], true)
			update.Ask = bestPrice(book.Levels[1], false)
		}
		return update, nil
	}
}

func (w *WSClient) Close() error {
	_ = w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return w.conn.Close()
}
