package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/gcforged/pylot/pkg/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// wsSession is one live /ws/completions connection. Writes are serialised
// through writeMu; each inbound job streams back on its own goroutine with a
// context that dies with the session.
type wsSession struct {
	id     string
	conn   *websocket.Conn
	server *Server

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	jobs    conc.WaitGroup
}

// handleWebSocket upgrades the connection and runs the session's read loop
// until the client goes away or the gateway shuts down.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	session := &wsSession{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		ctx:    ctx,
		cancel: cancel,
	}
	s.sessions.Store(session.id, session)
	s.metrics.ConnectionOpened()
	log.Debug().Str("session", session.id).Str("remote", r.RemoteAddr).Msg("websocket connected")

	defer func() {
		cancel()
		session.jobs.Wait()
		s.sessions.Delete(session.id)
		s.metrics.ConnectionClosed()
		conn.Close()
		log.Debug().Str("session", session.id).Msg("websocket disconnected")
	}()

	go session.pingLoop()
	session.readLoop()
}

func (s *wsSession) readLoop() {
	s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var job types.WSJobRequest
		if err := s.conn.ReadJSON(&job); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("session", s.id).Msg("websocket read failed")
			}
			return
		}
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		s.jobs.Go(func() {
			s.runJob(job)
		})
	}
}

func (s *wsSession) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			s.writeMu.Unlock()
			if err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (s *wsSession) writeFrame(frame types.WSFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(frame)
}

func (s *wsSession) writeError(id, message string) {
	_ = s.writeFrame(types.WSFrame{ID: id, Type: "error", Error: message})
}

// closeNormal sends a normal closure and tears the connection down; the read
// loop exits on the closed socket. Used by the shutdown broadcast.
func (s *wsSession) closeNormal() {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down"),
		time.Now().Add(wsWriteWait))
	s.writeMu.Unlock()
	s.cancel()
	s.conn.Close()
}

func (s *wsSession) runJob(job types.WSJobRequest) {
	server := s.server
	cfg := server.cfg()

	params := types.ApplyDefaults(generationDefaults(cfg.Generation),
		job.MaxTokens, job.Temperature, job.TopP, job.TopK, job.RepeatPenalty,
		job.Stop, job.Seed)
	if httpErr := validateParams(params); httpErr != nil {
		s.writeError(job.ID, httpErr.Message)
		return
	}

	jobCtx, done := server.trackJob(s.ctx, "ws-"+job.ID)
	defer done()

	switch job.Type {
	case types.WSJobCompletion:
		if strings.TrimSpace(job.Prompt) == "" {
			s.writeError(job.ID, "prompt must not be empty")
			return
		}
		server.clampMaxTokens(jobCtx, job.Prompt, &params)
		req := types.GenerationRequest{
			Model:  server.backend.ModelID(),
			Prompt: job.Prompt,
			Params: params,
		}
		stream, err := server.backend.GenerateStream(jobCtx, req)
		if err != nil {
			s.writeError(job.ID, err.Error())
			return
		}
		s.streamJob(job.ID, stream, types.WSFrameCompletionChunk, types.WSFrameCompletionFinished)
	case types.WSJobChat:
		if httpErr := validateMessages(job.Messages); httpErr != nil {
			s.writeError(job.ID, httpErr.Message)
			return
		}
		server.clampMaxTokens(jobCtx, chatPromptText(job.Messages), &params)
		req := types.ChatRequest{
			Model:    server.backend.ModelID(),
			Messages: job.Messages,
			Params:   params,
		}
		stream, err := server.backend.ChatStream(jobCtx, req)
		if err != nil {
			s.writeError(job.ID, err.Error())
			return
		}
		s.streamJob(job.ID, stream, types.WSFrameChatChunk, types.WSFrameChatFinished)
	default:
		s.writeError(job.ID, "type must be completion or chat")
	}
}

// streamJob relays chunks until the terminal one, then emits the finished
// frame carrying the full text. The channel is always drained so the backend
// goroutine can exit.
func (s *wsSession) streamJob(id string, stream <-chan types.GenerationChunk, chunkType, finishedType string) {
	var full strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			s.server.metrics.RecordError(string(chunk.ErrorKind))
			s.writeError(id, chunk.Err.Error())
			continue
		}
		if chunk.Delta != "" {
			full.WriteString(chunk.Delta)
			if err := s.writeFrame(types.WSFrame{ID: id, Type: chunkType, Text: chunk.Delta}); err != nil {
				s.cancel()
			}
		}
		if chunk.Terminal() {
			_ = s.writeFrame(types.WSFrame{
				ID:           id,
				Type:         finishedType,
				Content:      full.String(),
				FinishReason: string(chunk.FinishReason),
			})
		}
	}
}
