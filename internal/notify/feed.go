package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	feedWriteWait   = 10 * time.Second
	feedPongWait    = 60 * time.Second
	feedPingPeriod  = (feedPongWait * 9) / 10
	feedSendBuffer  = 16
	feedReadLimit   = 512
	feedBufferBytes = 1024
)

// StockFeed broadcasts stock quantity changes to websocket clients.
type StockFeed struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger
	now      func() time.Time

	mutex   sync.RWMutex
	clients map[string]*feedClient
}

type feedClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewStockFeed accepts upgrades from allowedOrigins; "*" allows any origin and requests without Origin are always accepted.
func NewStockFeed(allowedOrigins []string, logger *zap.Logger) *StockFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	feed := &StockFeed{
		logger:  logger.Named("stock_feed"),
		now:     utcNow,
		clients: make(map[string]*feedClient),
	}
	feed.upgrader = websocket.Upgrader{
		ReadBufferSize:  feedBufferBytes,
		WriteBufferSize: feedBufferBytes,
		CheckOrigin: func(request *http.Request) bool {
			origin := request.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
	return feed
}

// ServeHTTP upgrades the request and registers the connection until it closes.
func (feed *StockFeed) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	conn, err := feed.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		feed.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &feedClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, feedSendBuffer)}
	feed.mutex.Lock()
	feed.clients[client.id] = client
	feed.mutex.Unlock()
	feed.logger.Debug("client connected", zap.String("client_id", client.id))

	go feed.writePump(client)
	go feed.readPump(client)
}

// ClientCount reports the connected clients.
func (feed *StockFeed) ClientCount() int {
	feed.mutex.RLock()
	defer feed.mutex.RUnlock()
	return len(feed.clients)
}

// DepositSucceeded is not part of the public stock feed.
func (feed *StockFeed) DepositSucceeded(context.Context, string, int64, int64, int64) {}

func (feed *StockFeed) StockQuantityChanged(_ context.Context, productID string, quantity int64) {
	payload, err := encodeEvent(stockEvent(feed.now, productID, quantity))
	if err != nil {
		feed.logger.Error("encode event", zap.Error(err))
		return
	}
	feed.broadcast(payload)
}

// Close disconnects every client.
func (feed *StockFeed) Close() {
	feed.mutex.Lock()
	clients := make([]*feedClient, 0, len(feed.clients))
	for _, client := range feed.clients {
		clients = append(clients, client)
	}
	feed.mutex.Unlock()
	for _, client := range clients {
		feed.remove(client)
	}
}

func (feed *StockFeed) broadcast(payload []byte) {
	feed.mutex.RLock()
	defer feed.mutex.RUnlock()
	for _, client := range feed.clients {
		select {
		case client.send <- payload:
		default:
			feed.logger.Warn("client too slow, dropping event", zap.String("client_id", client.id))
		}
	}
}

func (feed *StockFeed) remove(client *feedClient) {
	client.once.Do(func() {
		feed.mutex.Lock()
		delete(feed.clients, client.id)
		feed.mutex.Unlock()
		close(client.send)
		_ = client.conn.Close()
		feed.logger.Debug("client disconnected", zap.String("client_id", client.id))
	})
}

func (feed *StockFeed) readPump(client *feedClient) {
	defer feed.remove(client)
	client.conn.SetReadLimit(feedReadLimit)
	_ = client.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (feed *StockFeed) writePump(client *feedClient) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		feed.remove(client)
	}()
	for {
		select {
		case payload, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
