package rpc

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"fariima/core/state"
)

const (
	wsWriteTimeout    = 10 * time.Second
	wsSubscribeBuffer = 128
	wsBacklogPage     = 200
)

// handleEventsWS streams committed events over a websocket. Clients pass
// ?after=<seq> to replay the backlog from a cursor before receiving live
// events; without it the stream starts at the current head.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	after := uint64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		cursor, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid after cursor", http.StatusBadRequest)
			return
		}
		after = cursor
	} else {
		head, err := s.node.LatestEventSeq()
		if err != nil {
			http.Error(w, "event log unavailable", http.StatusInternalServerError)
			return
		}
		after = head
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := r.Context()

	// Subscribe before draining the backlog so no event committed during the
	// replay is missed; duplicates are filtered by sequence number below.
	live, cancel := s.node.Subscribe(wsSubscribeBuffer)
	defer cancel()

	cursor, err := s.streamBacklog(ctx, conn, after)
	if err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client gone")
			return
		case record, ok := <-live:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			if record.Seq <= cursor {
				continue
			}
			if err := writeEvent(ctx, conn, record); err != nil {
				return
			}
			cursor = record.Seq
		}
	}
}

func (s *Server) streamBacklog(ctx context.Context, conn *websocket.Conn, after uint64) (uint64, error) {
	cursor := after
	for {
		records, err := s.node.Events(cursor, wsBacklogPage)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "event log unavailable")
			return cursor, err
		}
		if len(records) == 0 {
			return cursor, nil
		}
		for _, record := range records {
			if err := writeEvent(ctx, conn, record); err != nil {
				return cursor, err
			}
			cursor = record.Seq
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, record state.EventRecord) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, record)
}
