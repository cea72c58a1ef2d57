// streamer.go - trace 实时推送
//
// 外部可视化器除了读文件转储，还可以通过 WebSocket 订阅
// 编译过程的实时 trace：每次编译产生的文本块原样推送给
// 所有在线订阅者。推送是尽力而为：没有订阅者时丢弃，
// 慢订阅者直接断开，决不反压编译线程。

package trace

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Streamer trace 推送服务
type Streamer struct {
	mu sync.RWMutex

	log      *zap.Logger
	upgrader websocket.Upgrader

	// subscribers 在线订阅者
	subscribers map[*websocket.Conn]chan []byte

	closed bool
}

// NewStreamer 创建推送服务
func NewStreamer(log *zap.Logger) *Streamer {
	return &Streamer{
		log:         log,
		subscribers: make(map[*websocket.Conn]chan []byte),
		upgrader: websocket.Upgrader{
			// 可视化器从本地文件页面连入，来源检查放开
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP 处理订阅请求（挂到任意 mux 上）
func (st *Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := st.upgrader.Upgrade(w, r, nil)
	if err != nil {
		st.log.Warn("trace subscriber upgrade failed", zap.Error(err))
		return
	}

	ch := make(chan []byte, 64)

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		conn.Close()
		return
	}
	st.subscribers[conn] = ch
	st.mu.Unlock()

	st.log.Info("trace subscriber connected", zap.String("remote", conn.RemoteAddr().String()))

	go st.writeLoop(conn, ch)

	// 读循环只为感知断开，订阅者不上行数据
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	st.drop(conn)
}

func (st *Streamer) writeLoop(conn *websocket.Conn, ch chan []byte) {
	for msg := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			st.drop(conn)
			return
		}
	}
	conn.Close()
}

// Publish 向全部订阅者推送一段 trace 文本
// 缓冲已满的订阅者视为过慢，当场断开
func (st *Streamer) Publish(chunk []byte) {
	st.mu.RLock()
	var slow []*websocket.Conn
	for conn, ch := range st.subscribers {
		select {
		case ch <- chunk:
		default:
			slow = append(slow, conn)
		}
	}
	st.mu.RUnlock()

	for _, conn := range slow {
		st.log.Warn("dropping slow trace subscriber", zap.String("remote", conn.RemoteAddr().String()))
		st.drop(conn)
	}
}

func (st *Streamer) drop(conn *websocket.Conn) {
	st.mu.Lock()
	ch, ok := st.subscribers[conn]
	if ok {
		delete(st.subscribers, conn)
		close(ch)
	}
	st.mu.Unlock()
}

// Close 断开全部订阅者
func (st *Streamer) Close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	for conn, ch := range st.subscribers {
		close(ch)
		delete(st.subscribers, conn)
	}
}
