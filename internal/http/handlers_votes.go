package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"odwatch/internal/core"
	applog "odwatch/internal/log"
	"odwatch/internal/metrics"
	"odwatch/internal/vote"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512
)

type voteResponse struct {
	Direction core.Direction   `json:"direction"`
	Counter   core.VoteCounter `json:"counter"`
}

// streamMessage is one frame of the vote stream.
type streamMessage struct {
	Type    string           `json:"type"`
	Counter core.VoteCounter `json:"counter"`
}

func (s *Server) handleGetVotes(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.poll.Snapshot())
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	req, err := ParseVoteRequest(w, r, s.validate)
	if err != nil {
		s.metrics.ObserveVote("invalid", metrics.OutcomeRejected)
		apiErr := *errInvalidRequest
		var verr *validationError
		if errors.As(err, &verr) {
			apiErr.ErrorCode = "VALIDATION_FAILED"
			apiErr.Message = verr.Error()
			apiErr.Details = verr
		} else {
			apiErr.Details = err.Error()
		}
		s.renderError(w, r, &apiErr)
		return
	}

	d := core.Direction(req.Direction)
	counter, err := s.poll.Cast(r.Context(), d)
	if err != nil {
		outcome := metrics.OutcomeFailed
		if errors.Is(err, vote.ErrNotReady) || errors.Is(err, core.ErrStoreUnavailable) {
			outcome = metrics.OutcomeRejected
		}
		s.metrics.ObserveVote(d.String(), outcome)
		s.renderError(w, r, err)
		return
	}
	s.metrics.ObserveVote(d.String(), metrics.OutcomeCommitted)

	applog.FromContext(r.Context()).Fields(r.Context(), slog.LevelInfo, "Vote recorded",
		applog.NewFields().
			WithVote(s.poll.Key(), d.String(), counter.ForCount, counter.AgainstCount).
			WithFormat(req.Format).
			WithClientIP(s.clientIP.Extract(r)))

	render.JSON(w, r, voteResponse{Direction: d, Counter: counter})
}

// handleVoteStream upgrades to a websocket and sends the full counter on
// connect and after every committed change. The subscription is opened
// before the upgrade so a disabled poll still gets a JSON error.
func (s *Server) handleVoteStream(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.poll.Subscribe(ctx)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the error response.
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	logger := applog.FromContext(r.Context()).With(applog.FieldSubscription, id)
	logger.InfoContext(ctx, "Vote stream opened", applog.FieldClientIP, s.clientIP.Extract(r))
	s.metrics.StreamSubscribers.Inc()
	connectedAt := time.Now()
	defer func() {
		s.metrics.StreamSubscribers.Dec()
		logger.InfoContext(context.Background(), "Vote stream closed",
			"connection_duration", time.Since(connectedAt).Round(time.Millisecond))
	}()

	// Read pump: the client sends nothing we act on, but reading is what
	// notices a closed connection and processes pongs.
	go func() {
		defer cancel()
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.DebugContext(ctx, "Vote stream read error", applog.FieldError, err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case c, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(streamMessage{Type: "counter", Counter: c}); err != nil {
				logger.DebugContext(ctx, "Vote stream write failed", applog.FieldError, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
