package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/upb/llm-audit-ledger/models"
	"github.com/upb/llm-audit-ledger/services/fanout"
	"github.com/upb/llm-audit-ledger/utils"
	"go.uber.org/zap"
)

// Control message types sent by stream clients
const (
	ControlSetFilters = "setFilters"
	ControlJoinTenant = "joinTenant"
)

// Acknowledgement types sent back to stream clients
const (
	AckConnected    = "connected"
	AckFiltersSet   = "filtersSet"
	AckJoinedTenant = "joinedTenant"
	AckError        = "error"
)

// ControlMessage is a client request on the stream socket
type ControlMessage struct {
	Type     string         `json:"type" validate:"required,oneof=setFilters joinTenant"`
	Filters  *FilterRequest `json:"filters,omitempty"`
	TenantID string         `json:"tenant_id,omitempty"`
}

// FilterRequest is the client form of a subscription filter
type FilterRequest struct {
	ActorID   *string    `json:"actor_id,omitempty" validate:"omitempty,uuid"`
	EventType string     `json:"event_type,omitempty" validate:"max=128"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

// StreamAck acknowledges a connection or control message
type StreamAck struct {
	Type         string         `json:"type"`
	ConnectionID string         `json:"connection_id,omitempty"`
	TenantID     string         `json:"tenant_id,omitempty"`
	Filters      *models.Filter `json:"filters,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// StreamHub is the fan-out surface the stream transport drives
type StreamHub interface {
	Connect(ctx context.Context) *fanout.Connection
	Disconnect(ctx context.Context, connectionID string)
	Registry() *fanout.Registry
}

// StreamHandler upgrades subscribers to WebSocket and relays notifications
type StreamHandler struct {
	hub            StreamHub
	originPatterns []string
	writeTimeout   time.Duration
	logger         *zap.Logger
}

// NewStreamHandler creates a new StreamHandler
func NewStreamHandler(hub StreamHub, originPatterns []string, writeTimeout time.Duration, logger *zap.Logger) *StreamHandler {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &StreamHandler{
		hub:            hub,
		originPatterns: originPatterns,
		writeTimeout:   writeTimeout,
		logger:         logger,
	}
}

// HandleStream handles GET /stream
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	// Server read/write timeouts would otherwise cut the socket
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	opts := &websocket.AcceptOptions{}
	if len(h.originPatterns) > 0 {
		opts.OriginPatterns = h.originPatterns
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := h.hub.Connect(ctx)
	defer h.hub.Disconnect(context.WithoutCancel(ctx), sub.ID)
	logger := h.logger.With(zap.String("connection_id", sub.ID))

	if err := h.write(ctx, conn, StreamAck{Type: AckConnected, ConnectionID: sub.ID}); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
		return
	}

	acks := make(chan StreamAck, 8)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			ack := h.control(sub.ID, data)
			select {
			case acks <- ack:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case err := <-readErr:
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				logger.Debug("stream read ended", zap.Error(err))
			}
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-sub.Done():
			_ = conn.Close(websocket.StatusGoingAway, "disconnected")
			return
		case ack := <-acks:
			if err := h.write(ctx, conn, ack); err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		case note := <-sub.Notifications():
			if err := h.write(ctx, conn, note); err != nil {
				logger.Warn("failed to write notification", zap.String("type", string(note.Type)), zap.Error(err))
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (h *StreamHandler) write(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, v)
}

// control applies one client message to the registry and returns its ack
func (h *StreamHandler) control(connectionID string, data []byte) StreamAck {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return StreamAck{Type: AckError, Error: "malformed control message"}
	}
	if err := utils.ValidateStruct(&msg); err != nil {
		return StreamAck{Type: AckError, Error: validationSummary(err)}
	}

	registry := h.hub.Registry()
	switch msg.Type {
	case ControlJoinTenant:
		tenantID, err := uuid.Parse(msg.TenantID)
		if err != nil || tenantID == uuid.Nil {
			return StreamAck{Type: AckError, Error: "tenant_id must be a valid UUID"}
		}
		registry.JoinTenant(connectionID, tenantID)
		return StreamAck{Type: AckJoinedTenant, TenantID: tenantID.String()}

	default:
		filter, err := toFilter(msg.Filters)
		if err != nil {
			return StreamAck{Type: AckError, Error: validationSummary(err)}
		}
		registry.SetFilter(connectionID, filter)
		return StreamAck{Type: AckFiltersSet, Filters: &filter}
	}
}

// toFilter validates a client filter. A missing filter clears it.
func toFilter(req *FilterRequest) (models.Filter, error) {
	if req == nil {
		return models.Filter{}, nil
	}
	if err := utils.ValidateStruct(req); err != nil {
		return models.Filter{}, err
	}
	if req.StartDate != nil && req.EndDate != nil && req.EndDate.Before(*req.StartDate) {
		return models.Filter{}, utils.NewFieldError("EndDate", "EndDate must not be before StartDate")
	}

	filter := models.Filter{
		EventType: req.EventType,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
	}
	if req.ActorID != nil {
		actor := uuid.MustParse(*req.ActorID)
		filter.ActorID = &actor
	}
	return filter, nil
}

func validationSummary(err error) string {
	for _, msg := range utils.GetValidationFields(err) {
		return msg
	}
	return err.Error()
}
