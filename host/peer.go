package host

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puyokura/hallmesh/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// peer is one websocket connection as seen by the server. Everything except
// conn reads and writes is owned by the server goroutine.
type peer struct {
	srv  *Server
	conn *websocket.Conn
	send chan []byte

	info   model.PeerInfo
	joined bool
}

type inbound struct {
	peer    *peer
	frame   model.Frame
	authErr error
}

func (p *peer) readPump() {
	defer func() {
		select {
		case p.srv.unregister <- p:
		case <-p.srv.done:
		}
		p.conn.Close()
	}()
	p.conn.SetReadLimit(model.MaxFrameSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error { p.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.srv.logger.Debug("peer read failed", "error", err)
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(pongWait))

		f, err := model.DecodeFrame(data)
		if err != nil {
			p.srv.config.Metrics.violation(p.srv.config.HallID)
			p.srv.logger.Warn("dropping connection after malformed frame", "error", err)
			return
		}
		in := inbound{peer: p, frame: f}
		if f.Kind == model.FrameJoin {
			in.authErr = p.srv.authorize(f)
		}
		select {
		case p.srv.inbound <- in:
		case <-p.srv.done:
			return
		}
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()
	for {
		select {
		case data, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The server closed the channel.
				p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// authorize checks a Join frame outside the server goroutine so that bcrypt
// never stalls sequencing.
func (s *Server) authorize(f model.Frame) error {
	if f.HallID != s.config.HallID {
		return model.ErrWrongHall
	}
	var join model.Join
	if err := f.Decode(&join); err != nil {
		return err
	}
	if join.UserID == uuid.Nil {
		return errors.New("missing user id")
	}
	if s.config.Invites == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return s.config.Invites.Validate(ctx, s.config.HallID, join.Token)
}

// serveWs handles websocket requests from members.
func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "hall closed", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	p := &peer{srv: s, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case s.register <- p:
	case <-s.done:
		conn.Close()
		return
	}

	go p.writePump()
	go p.readPump()
}
