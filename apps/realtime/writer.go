package realtime

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// socketWriter serializes writes; the socket allows one writer at a time
type socketWriter struct {
	conn  *websocket.Conn
	mutex sync.Mutex
}

func (w *socketWriter) write(frame []byte) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

func (w *socketWriter) ping() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}
