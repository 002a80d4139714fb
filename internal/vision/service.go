package vision

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bromic007/llamafarm-sub004/internal/logging"
	"github.com/bromic007/llamafarm-sub004/internal/models"
)

// VisionSource yields vision adapters from the shared model cache.
type VisionSource interface {
	Vision(ctx context.Context, spec models.Spec) (models.VisionModel, error)
}

// SpecResolver maps a runtime model name to a concrete spec. An empty name
// selects the project's default vision model.
type SpecResolver func(name string) (models.Spec, error)

// Service drives streaming detection over a websocket: binary frames in,
// detection JSON out.
type Service struct {
	registry *Registry
	source   VisionSource
	logger   logging.Logger
}

// NewService creates the streaming detection service.
func NewService(registry *Registry, source VisionSource, logger logging.Logger) *Service {
	return &Service{
		registry: registry,
		source:   source,
		logger:   logging.OrNop(logger),
	}
}

type controlMessage struct {
	Type          string   `json:"type"`
	Model         string   `json:"model,omitempty"`
	Classes       []string `json:"classes,omitempty"`
	MinConfidence float64  `json:"min_confidence,omitempty"`
}

type detectionReply struct {
	Type         string             `json:"type"`
	Frame        int64              `json:"frame"`
	Detections   []models.Detection `json:"detections"`
	ProcessingMs int64              `json:"processing_ms"`
}

// Serve owns one websocket connection until the client disconnects or ctx
// is cancelled. Frame-level failures are reported in-band; only transport
// errors end the stream.
func (s *Service) Serve(ctx context.Context, conn *websocket.Conn, resolve SpecResolver) error {
	sess, err := s.registry.Open(CascadeConfig{})
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"type": "error", "error": err.Error()})
		return err
	}
	defer s.registry.Close(sess.ID)

	// Unblock the read loop when the handler context ends.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	if err := conn.WriteJSON(map[string]string{"type": "session", "session_id": sess.ID}); err != nil {
		return err
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			// Client hung up or the context closed the socket.
			return nil
		}
		switch msgType {
		case websocket.TextMessage:
			s.handleControl(conn, sess.ID, data)
		case websocket.BinaryMessage:
			s.handleFrame(ctx, conn, sess.ID, data, resolve)
		}
	}
}

func (s *Service) handleControl(conn *websocket.Conn, id string, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.writeError(conn, "malformed control message")
		return
	}
	switch msg.Type {
	case "config":
		err := s.registry.Configure(id, CascadeConfig{
			Model:         msg.Model,
			Classes:       msg.Classes,
			MinConfidence: msg.MinConfidence,
		})
		if err != nil {
			s.writeError(conn, err.Error())
			return
		}
		_ = conn.WriteJSON(map[string]string{"type": "config_ack"})
	default:
		s.writeError(conn, "unknown control type "+msg.Type)
	}
}

func (s *Service) handleFrame(ctx context.Context, conn *websocket.Conn, id string, frame []byte, resolve SpecResolver) {
	cascade, n, err := s.registry.Touch(id)
	if err != nil {
		s.writeError(conn, err.Error())
		return
	}

	spec, err := resolve(cascade.Model)
	if err != nil {
		s.writeError(conn, err.Error())
		return
	}
	model, err := s.source.Vision(ctx, spec)
	if err != nil {
		s.logger.Warn("vision model for session %s: %v", id, err)
		s.writeError(conn, "vision model unavailable")
		return
	}

	started := time.Now()
	detections, err := model.Detect(ctx, frame, cascade.Classes)
	if err != nil {
		s.logger.Warn("frame %d of session %s failed: %v", n, id, err)
		s.writeError(conn, "detection failed")
		return
	}

	if cascade.MinConfidence > 0 {
		kept := detections[:0]
		for _, d := range detections {
			if d.Confidence >= cascade.MinConfidence {
				kept = append(kept, d)
			}
		}
		detections = kept
	}
	if detections == nil {
		detections = []models.Detection{}
	}

	_ = conn.WriteJSON(detectionReply{
		Type:         "detections",
		Frame:        n,
		Detections:   detections,
		ProcessingMs: time.Since(started).Milliseconds(),
	})
}

func (s *Service) writeError(conn *websocket.Conn, msg string) {
	_ = conn.WriteJSON(map[string]string{"type": "error", "error": msg})
}
