package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/virology-dashboard/backend/internal/models"
)

// WebSocket message types for the job progress stream
const (
	MsgTypeProgress = "progress"
	MsgTypeComplete = "complete"
	MsgTypeError    = "error"
)

// WSMessage is the envelope of every server message.
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// JobStreamer pushes job snapshots to websocket clients as the tracker
// publishes them.
type JobStreamer struct {
	jobs     JobSource
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewJobStreamer creates a streamer. allowOrigin decides cross-origin
// upgrades; nil accepts all.
func NewJobStreamer(jobs JobSource, allowOrigin func(r *http.Request) bool, logger *slog.Logger) *JobStreamer {
	if allowOrigin == nil {
		allowOrigin = func(r *http.Request) bool { return true }
	}
	return &JobStreamer{
		jobs: jobs,
		upgrader: websocket.Upgrader{
			CheckOrigin:     allowOrigin,
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		logger: logger,
	}
}

// Stream upgrades the connection and sends the job's state until it is
// terminal or the client goes away.
func (s *JobStreamer) Stream(c echo.Context, jobID string) error {
	// subscribe before reading the snapshot so no update falls in between
	updates, cancel := s.jobs.Subscribe(jobID)
	defer cancel()

	snapshot, err := s.jobs.Get(c.Request().Context(), jobID)
	if err != nil {
		return err
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already answered the request
		s.logger.Debug("websocket upgrade failed", "job", jobID, "error", err)
		return nil
	}
	defer ws.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if done, err := s.send(ws, snapshot); err != nil || done {
		return nil
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case job := <-updates:
			if done, err := s.send(ws, job); err != nil || done {
				return nil
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return nil
			}
		case <-closed:
			return nil
		}
	}
}

// send writes one snapshot and reports whether the stream is finished.
func (s *JobStreamer) send(ws *websocket.Conn, job *models.ArchiveJob) (bool, error) {
	payload, err := json.Marshal(newJobView(job))
	if err != nil {
		return true, err
	}

	msgType := MsgTypeProgress
	switch job.Status {
	case models.JobStatusComplete:
		msgType = MsgTypeComplete
	case models.JobStatusError:
		msgType = MsgTypeError
	}

	ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := ws.WriteJSON(WSMessage{
		Type:      msgType,
		ID:        job.ID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		s.logger.Debug("websocket write failed", "job", job.ID, "error", err)
		return true, err
	}

	if !job.Status.Terminal() {
		return false, nil
	}
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status)),
		time.Now().Add(wsWriteWait))
	return true, nil
}
