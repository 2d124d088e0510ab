package terminal

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn serializes writes; gorilla connections allow only one concurrent
// writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) writeBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConn) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.conn.Close()
}

// ServeAttach upgrades the request to a websocket and bridges it to a
// terminal session on the container. It blocks until the client disconnects
// or the shell exits.
func (r *Relay) ServeAttach(w http.ResponseWriter, req *http.Request, containerID string) error {
	session, err := r.Attach(req.Context(), containerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return err
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		session.Detach()
		return err
	}
	ws := &wsConn{conn: conn}

	done := make(chan struct{})
	var doneOnce sync.Once
	finish := func() { doneOnce.Do(func() { close(done) }) }

	session.OnData(func(data []byte) {
		if err := ws.writeBinary(data); err != nil {
			r.logger.Debug("websocket write failed for %s: %v", containerID, err)
			finish()
		}
	})
	session.OnEnd(func() {
		r.logger.Info("terminal exec ended for container %s", containerID)
		finish()
	})

	go func() {
		defer finish()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				// Raw binary is always terminal input.
				if err := session.Write(data); err != nil {
					return
				}
			case websocket.TextMessage:
				// Text frames may carry the resize control message.
				if err := session.HandleInbound(data); err != nil {
					return
				}
			}
		}
	}()

	<-done
	session.Detach()
	ws.close()
	return nil
}
