package kernelserver

import (
	"context"
	"log"
	"net/http"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClientSocket adapts a *websocket.Conn to capability.ClientSocket.
// gorilla/websocket conns are not safe for concurrent writes from
// multiple goroutines, so Send serializes through a small channel
// rather than locking directly around WriteMessage, keeping Server's
// iopub broadcast and reply-routing goroutines from racing.
type wsClientSocket struct {
	conn   *websocket.Conn
	sendCh chan []byte
	closed chan struct{}
}

func newWSClientSocket(conn *websocket.Conn) *wsClientSocket {
	s := &wsClientSocket{conn: conn, sendCh: make(chan []byte, 64), closed: make(chan struct{})}
	go s.writeLoop()
	return s
}

func (s *wsClientSocket) writeLoop() {
	for {
		select {
		case frame := <-s.sendCh:
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *wsClientSocket) Send(ctx context.Context, frame []byte) error {
	select {
	case s.sendCh <- frame:
		return nil
	case <-s.closed:
		return websocket.ErrCloseSent
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *wsClientSocket) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *wsClientSocket) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return s.conn.Close()
}

// Gateway upgrades incoming HTTP connections to WebSocket sessions
// against a single Server, the production entry point for the Session
// Fan-out component described in spec §4.9.
type Gateway struct {
	Server *Server
	log    *log.Logger
}

// NewGateway constructs a Gateway fronting server.
func NewGateway(server *Server) *Gateway {
	return &Gateway{Server: server, log: log.New(log.Writer(), "[gateway] ", log.LstdFlags)}
}

// ServeHTTP upgrades the request, registers a ClientSession, and blocks
// serving it until the socket closes, following the teacher's
// HandleWebSocket/defer-cleanup shape.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Printf("upgrade: %v", err)
		return
	}

	id := uuid.Must(uuid.NewV4()).String()
	sess := &ClientSession{
		ID:      id,
		Session: r.URL.Query().Get("session_id"),
		Socket:  newWSClientSocket(conn),
		Filter:  AllowAllFilter(),
	}
	if sess.Session == "" {
		sess.Session = id
	}

	g.Server.AddSession(sess)
	defer func() {
		g.Server.RemoveSession(sess.ID)
		_ = sess.Socket.Close()
	}()

	if err := g.Server.ServeSession(r.Context(), sess); err != nil {
		g.log.Printf("session %s closed: %v", sess.ID, err)
	}
}
