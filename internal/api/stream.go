package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/crywatch/internal/monitor"
	"github.com/MrWong99/crywatch/internal/present"
	"github.com/MrWong99/crywatch/pkg/episode"
)

// Stream message types.
const (
	MessageSnapshot = "snapshot"
	MessageCreated  = "created"
	MessageModified = "modified"
)

// StreamMessage is one JSON text message on /v1/stream. The first message
// of a connection is a snapshot of the whole list; every following message
// describes one change of the most recent episode.
type StreamMessage struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id,omitempty"`
	Date      string       `json:"date,omitempty"`
	Count     int          `json:"count"`
	Row       *present.Row `json:"row,omitempty"`
	List      *EpisodeList `json:"list,omitempty"`
}

func (s *Server) changeMessage(c monitor.Change) StreamMessage {
	typ := MessageModified
	if c.Kind == episode.CreatedNewEntry {
		typ = MessageCreated
	}
	rows := present.Rows([]episode.Episode{c.Episode}, s.loc)
	return StreamMessage{
		Type:      typ,
		SessionID: c.SessionID,
		Date:      present.CurrentDate(s.now().In(s.loc)),
		Count:     c.Count,
		Row:       &rows[0],
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("api: stream accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	stop := context.AfterFunc(s.done, cancel)
	defer stop()

	// The client only listens; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx = conn.CloseRead(ctx)

	s.metrics.StreamClients.Add(ctx, 1)
	defer s.metrics.StreamClients.Add(context.WithoutCancel(ctx), -1)

	// Subscribe before the snapshot so no change falls between the two.
	changes, unsubscribe := s.mon.Subscribe(s.streamBuffer)
	defer unsubscribe()

	list := s.episodeList()
	if err := s.write(ctx, conn, StreamMessage{Type: MessageSnapshot, Date: list.Date, Count: len(list.Episodes), List: &list}); err != nil {
		return
	}

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.done.Err() != nil {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if err := s.write(ctx, conn, s.changeMessage(c)); err != nil {
				return
			}
		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, s.writeTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				slog.Debug("api: stream ping failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, msg StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Debug("api: stream write failed", "err", err)
		}
		return err
	}
	return nil
}
