package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/eventbus"
	"dev.helix.conductor/internal/middleware"
	"dev.helix.conductor/pkg/api"
)

// ServeTask streams one task's lifecycle events to a client. The mailbox
// backlog is replayed oldest first, then the live subscription takes over;
// delivery is at-least-once across the seam, so clients deduplicate on
// (type, timestamp). The stream closes itself after delivering a terminal
// task event.
func (s *Server) ServeTask(c *gin.Context) {
	taskID := c.Param("id")
	clientID := c.Query("client_id")
	if clientID == "" {
		// Anonymous clients get a fresh id: no backlog, live events only.
		clientID = uuid.NewString()
	}
	ctx := c.Request.Context()

	if _, err := s.tasks.Get(ctx, taskID); err != nil {
		middleware.Abort(c, apperrors.From(err))
		return
	}

	if n := s.addClient(1); n > int64(s.cfg.MaxClients) {
		s.addClient(-1)
		middleware.Abort(c, apperrors.Unavailable("event stream", 30*time.Second).
			WithDetail("max_clients", s.cfg.MaxClients))
		return
	}
	defer s.addClient(-1)

	// Subscribe before draining so nothing published during the drain is
	// lost; the overlap can duplicate, never drop.
	sub, err := s.bus.Subscribe(ctx, taskID)
	if err != nil {
		middleware.Abort(c, apperrors.From(err))
		return
	}
	defer sub.Close()

	if err := s.cache.AddTaskClient(ctx, taskID, clientID, s.cfg.MailboxTTL); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"task_id":   taskID,
			"client_id": clientID,
		}).Warn("client registration failed, mailbox replay disabled for this client")
	}
	defer func() {
		// The request context dies with the hijacked connection; cleanup
		// gets its own deadline.
		cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.cache.RemoveTaskClient(cleanup, taskID, clientID); err != nil {
			s.log.WithError(err).WithField("client_id", clientID).Debug("client deregistration failed")
		}
	}()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote its own HTTP error.
		s.log.WithError(err).WithField("request_id", requestID(c)).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := s.log.WithFields(logrus.Fields{
		"task_id":   taskID,
		"client_id": clientID,
	})
	log.Info("event stream opened")
	defer log.Info("event stream closed")

	readDone := s.readPump(conn)

	backlog, err := s.cache.MailboxDrain(ctx, clientID)
	if err != nil {
		log.WithError(err).Warn("mailbox drain failed, streaming live events only")
	}
	for _, raw := range backlog {
		if err := s.writeText(conn, []byte(raw)); err != nil {
			return
		}
		var ev api.Event
		if json.Unmarshal([]byte(raw), &ev) == nil && terminal(ev.Type) {
			s.closeNormal(conn, string(ev.Type))
			return
		}
	}

	s.streamLive(conn, sub, readDone, log)
}

// streamLive forwards the subscription to the socket until the task ends,
// the peer disconnects or the subscription closes. All writes happen here;
// gorilla allows a single writer.
func (s *Server) streamLive(conn *websocket.Conn, sub *eventbus.Subscription, readDone <-chan struct{}, log *logrus.Entry) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				s.closeNormal(conn, "stream shutting down")
				return
			}
			if err := s.writeJSON(conn, ev); err != nil {
				log.WithError(err).Debug("event write failed")
				return
			}
			if terminal(ev.Type) {
				s.closeNormal(conn, string(ev.Type))
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.WithError(err).Debug("ping failed")
				return
			}
		case <-readDone:
			return
		}
	}
}

// readPump owns the receive side: it refreshes the read deadline on every
// pong and signals when the peer goes away. Inbound data frames are
// discarded; the stream is one-directional.
func (s *Server) readPump(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(s.readWait()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readWait()))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}

func (s *Server) writeText(conn *websocket.Conn, payload []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	return conn.WriteJSON(v)
}

// closeNormal sends a close frame so well-behaved clients stop reconnecting.
func (s *Server) closeNormal(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
}
