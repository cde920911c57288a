package ws

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/middleware"
	"dev.helix.conductor/pkg/api"
)

// ServeWorker carries a worker's heartbeat stream: JSON heartbeat reports
// in, directive frames out. A blown read deadline just closes the socket;
// marking the worker offline stays with the health sweep, which tolerates
// one missed beat before acting.
func (s *Server) ServeWorker(c *gin.Context) {
	workerID := c.Param("id")
	ctx := c.Request.Context()

	if _, err := s.registry.Get(ctx, workerID); err != nil {
		middleware.Abort(c, apperrors.From(err))
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).WithField("request_id", requestID(c)).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := s.log.WithField("worker_id", workerID)
	log.Info("worker stream opened")
	defer log.Info("worker stream closed")

	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(conn, stop)

	conn.SetReadLimit(64 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(s.readWait()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readWait()))
	})

	for {
		var req api.HeartbeatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("worker stream read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.readWait()))

		directives, err := s.registry.Heartbeat(ctx, workerID, &req)
		if err != nil {
			if apperrors.IsCode(err, apperrors.CodeNotFound) {
				// Deregistered mid-stream; tell the agent to stop retrying.
				s.closeNormal(conn, "worker deregistered")
				return
			}
			log.WithError(err).Warn("heartbeat ingest failed")
			continue
		}
		if err := s.writeJSON(conn, directives); err != nil {
			log.WithError(err).Debug("directive write failed")
			return
		}
	}
}

// pingLoop keeps the socket warm between heartbeats. WriteControl is safe
// alongside the directive writes from the read loop.
func (s *Server) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
