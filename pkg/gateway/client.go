package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tablesync/internal/observability"
	"github.com/harun/tablesync/internal/tracing"
	"github.com/harun/tablesync/pkg/protocol"
)

// readLoop parses frames and submits them in arrival order. Submit blocks
// when the session loop is saturated, which stops reading from the socket.
func (s *Server) readLoop(client *Client) {
	defer s.disconnect(client)

	client.Conn.SetReadLimit(s.readLimit)
	_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := tracing.WithConnID(s.baseCtx, client.ID())
	for {
		_, frame, err := client.Conn.ReadMessage()
		if errors.Is(err, websocket.ErrReadLimit) {
			s.frameTooLarge(client)
			return
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("conn_id", client.ID()).Msg("WebSocket read error")
			}
			return
		}
		client.touch(time.Now())
		_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.Parse(frame)
		if err != nil {
			s.dropFrame(client, err)
			continue
		}

		if err := s.submitter.Submit(ctx, client, msg); err != nil {
			s.logger.Warn().Err(err).Str("conn_id", client.ID()).Msg("Session loop refused message")
			client.close(closeReasonStopped)
			return
		}
	}
}

func (s *Server) dropFrame(client *Client, err error) {
	reason := "malformed"
	if errors.Is(err, protocol.ErrUnknownEvent) {
		reason = "unknown_event"
	}
	observability.RecordDropped(reason)

	event := s.logger.Warn().Err(err).Str("conn_id", client.ID()).Str("reason", reason)
	var verr *protocol.ValidationError
	if errors.As(err, &verr) {
		event = event.Str("event", verr.Event).Strs("issues", verr.Issues)
	}
	event.Msg("Dropped inbound frame")
}

// frameTooLarge runs before the deferred disconnect so the loop can report
// the transfers this client had in flight to their rooms.
func (s *Server) frameTooLarge(client *Client) {
	observability.RecordDropped("frame_too_large")
	s.logger.Warn().
		Str("conn_id", client.ID()).
		Int64("read_limit", s.readLimit).
		Msg("Inbound frame exceeds read limit")

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := s.submitter.FrameTooLarge(ctx, client, s.readLimit); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", client.ID()).Msg("Oversize frame not delivered to session loop")
	}
}

func (s *Server) disconnect(client *Client) {
	client.close(closeReasonClient)
	s.clients.remove(client)

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := s.submitter.Disconnect(ctx, client); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", client.ID()).Msg("Disconnect not delivered to session loop")
	}

	reason := client.reason()
	observability.RecordConnectionClosed(reason)
	s.logger.Info().Str("conn_id", client.ID()).Str("reason", reason).Msg("Client disconnected")
}

// writePump is the only writer on the socket.
func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-client.send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", client.ID()).Msg("Failed to write to client")
				client.close(closeReasonWrite)
				return
			}
		case <-ticker.C:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.close(closeReasonWrite)
				return
			}
		case <-client.closed:
			return
		}
	}
}
