package apiserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/velorace/backend/internal/race"
)

const (
	livePushInterval = 2 * time.Second
	liveReadDeadline = 90 * time.Second
	liveWriteTimeout = 10 * time.Second
)

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleWebsocket streams race state to lobby and in-game clients. The
// client subscribes to channels; the server pushes a fresh snapshot per
// channel every push interval.
func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		return s.isOriginAllowed(strings.TrimSpace(req.Header.Get("Origin")))
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ops := make(chan subOp, 8)
	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, conn, ops, readErrCh)

	// The push loop owns the channel set; the read loop only sends ops.
	subs := make(map[string]struct{})
	ticker := time.NewTicker(livePushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case op := <-ops:
			if op.drop {
				delete(subs, op.channel)
			} else {
				subs[op.channel] = struct{}{}
			}
		case <-ticker.C:
			for channel := range subs {
				payload, err := s.getWebsocketPayload(ctx, channel)
				if err != nil {
					_ = writeWebsocketJSON(conn, websocketEnvelope{Type: "error", Channel: channel, Error: "failed to fetch channel data", TS: time.Now().Unix()})
					continue
				}
				if payload == nil {
					continue
				}
				if err := writeWebsocketJSON(conn, websocketEnvelope{Type: "event", Channel: channel, Data: payload, TS: time.Now().Unix()}); err != nil {
					return
				}
			}
		}
	}
}

// subOp is one subscribe or unsubscribe handed from the read loop to the
// push loop.
type subOp struct {
	channel string
	drop    bool
}

func (s *Service) websocketReadLoop(ctx context.Context, conn *websocket.Conn, ops chan<- subOp, readErrCh chan<- error) {
	conn.SetReadLimit(1024 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(liveReadDeadline)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(liveReadDeadline))
		})
	}
	for {
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		channel := strings.TrimSpace(message.Channel)
		if channel == "" {
			continue
		}
		var op subOp
		switch strings.ToLower(strings.TrimSpace(message.Type)) {
		case "subscribe":
			op = subOp{channel: channel}
		case "unsubscribe":
			op = subOp{channel: channel, drop: true}
		default:
			continue
		}
		select {
		case ops <- op:
		case <-ctx.Done():
			readErrCh <- nil
			return
		}
	}
}

// getWebsocketPayload reads straight from the store so the push loop stays
// cheap; sweeps and settlement reconciliation belong to the status endpoint.
func (s *Service) getWebsocketPayload(ctx context.Context, channel string) (any, error) {
	switch {
	case strings.HasPrefix(channel, "race.status."):
		raceID := strings.TrimSpace(strings.TrimPrefix(channel, "race.status."))
		current, err := s.store.GetRace(ctx, raceID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, nil
		}
		results, err := s.store.GetResults(ctx, raceID)
		if err != nil {
			return nil, err
		}
		return raceStatusView(current, results), nil
	case channel == "lobby.races":
		races, err := s.store.ListOpenRaces(ctx, race.RaceFilter{})
		if err != nil {
			return nil, err
		}
		items := make([]raceResponse, 0, len(races))
		for i := range races {
			items = append(items, raceView(&races[i]))
		}
		return racesListResponse{Items: items}, nil
	default:
		return nil, nil
	}
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}
