package synchronizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/tablesync/internal/tracing"
	"github.com/harun/tablesync/pkg/broadcast"
	"github.com/harun/tablesync/pkg/protocol"
	"github.com/harun/tablesync/pkg/session"
	"github.com/harun/tablesync/pkg/transfer"
)

func (s *Synchronizer) startTransfer(ctx context.Context, conn broadcast.Conn, m *protocol.BackgroundTransferStart) {
	err := s.assembler.Start(m.SessionID, conn.ID(), m.ImageID, m.TotalChunks)
	if err == nil {
		log := tracing.LoggerFromContext(ctx, s.logger)
		log.Info().
			Str("image_id", m.ImageID).
			Int("total_chunks", m.TotalChunks).
			Msg("Background transfer started")
		return
	}

	var failure *transfer.Failure
	if errors.As(err, &failure) {
		s.reportFailure(conn, failure)
		return
	}
	s.drop(ctx, dropMalformed, err.Error())
}

func (s *Synchronizer) receiveChunk(ctx context.Context, m *protocol.BackgroundTransferChunk) {
	res, err := s.assembler.Chunk(transfer.Chunk{
		ImageID: m.ImageID,
		Index:   m.ChunkIndex,
		Data:    m.Data,
		IsLast:  m.IsLast,
	})
	if errors.Is(err, transfer.ErrUnknownTransfer) {
		s.drop(ctx, dropUnknownReference, "Chunk for unknown transfer")
		return
	}

	var failure *transfer.Failure
	if errors.As(err, &failure) {
		s.reportFailure(nil, failure)
		return
	}
	if err != nil {
		s.drop(ctx, dropMalformed, err.Error())
		return
	}
	if !res.Completed {
		return
	}

	// the transfer's own session wins over whatever the chunk claimed
	field := s.registry.Battlefield(res.SessionID)
	image := res.Image
	field.BackgroundImage = &image
	field.Touch(s.now())

	s.persist(ctx, session.KindBattlefield, res.SessionID, field)
	s.router.ToRoom(res.SessionID, protocol.EventBackgroundTransferComplete, protocol.BackgroundTransferComplete{
		ImageID:         res.ImageID,
		BackgroundImage: image,
	})
}

func (s *Synchronizer) handleExpiry(e transfer.Expiry) {
	if failure := s.assembler.Expire(e); failure != nil {
		s.reportFailure(nil, failure)
	}
}

// reportFailure tells the initiator or the whole room, as the failure asks.
// handleFrameTooLarge treats a frame the gateway could not read as an
// oversize chunk for the transfers conn initiated.
func (s *Synchronizer) handleFrameTooLarge(conn broadcast.Conn, limit int64) {
	message := fmt.Sprintf("frame exceeds the %d byte read limit", limit)
	for _, f := range s.assembler.FailInitiatedBy(conn.ID(), transfer.ChunkTooLarge, message) {
		s.reportFailure(conn, f)
	}
}

func (s *Synchronizer) reportFailure(initiator broadcast.Conn, f *transfer.Failure) {
	payload := protocol.BackgroundTransferFailed{
		ImageID: f.ImageID,
		Reason:  string(f.Reason),
		Message: f.Message,
	}

	s.logger.Debug().
		Str("session_id", f.SessionID).
		Str("image_id", f.ImageID).
		Str("reason", string(f.Reason)).
		Msg("Reporting background transfer failure")

	if f.Audience == transfer.AudienceInitiator && initiator != nil {
		s.router.ToConn(initiator, protocol.EventBackgroundTransferFailed, payload)
		return
	}
	s.router.ToRoom(f.SessionID, protocol.EventBackgroundTransferFailed, payload)
}
