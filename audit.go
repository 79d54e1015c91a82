package phazeid

import (
	"context"
	"io"

	"github.com/MrEthical07/phazeid/internal/audit"
	"go.uber.org/zap"
)

// AuditEvent is one security-relevant event emitted by the engine.
type AuditEvent = audit.Event

// AuditCategory groups audit events for routing and drop accounting.
type AuditCategory = audit.Category

const (
	AuditAccount   = audit.CategoryAccount
	AuditSession   = audit.CategorySession
	AuditLockout   = audit.CategoryLockout
	AuditMFA       = audit.CategoryMFA
	AuditOAuth     = audit.CategoryOAuth
	AuditDeletion  = audit.CategoryDeletion
	AuditTunnel    = audit.CategoryTunnel
	AuditRateLimit = audit.CategoryRateLimit
)

// AuditRouter sends each category to its own sink.
type AuditRouter = audit.Router

// NewAuditRouter returns a router sending unrouted categories to fallback.
func NewAuditRouter(fallback AuditSink) *AuditRouter { return audit.NewRouter(fallback) }

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = audit.Sink

// NoOpSink drops every event.
type NoOpSink = audit.NoOpSink

// ChannelSink forwards events to a buffered channel.
type ChannelSink = audit.ChannelSink

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink = audit.JSONWriterSink

// NewChannelSink returns a [ChannelSink] with the given buffer.
func NewChannelSink(buffer int) *ChannelSink { return audit.NewChannelSink(buffer) }

// NewJSONWriterSink returns a [JSONWriterSink] writing to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink { return audit.NewJSONWriterSink(w) }

// ZapSink logs audit events as structured entries. Failed events are
// logged at warn level.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink returns a sink writing to logger under the "audit" name.
// Pass the process logger; the name is applied here.
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.Named("audit")}
}

func (s *ZapSink) Emit(_ context.Context, event AuditEvent) {
	if s == nil {
		return
	}
	fields := make([]zap.Field, 0, 8+len(event.Metadata))
	fields = append(fields,
		zap.String("event_id", event.ID),
		zap.Stringer("category", event.Category),
		zap.Time("timestamp", event.Timestamp),
		zap.Bool("success", event.Success),
	)
	if event.UserID != "" {
		fields = append(fields, zap.String("user_id", event.UserID))
	}
	if event.SessionID != "" {
		fields = append(fields, zap.String("session_id", event.SessionID))
	}
	if event.ConnID != "" {
		fields = append(fields, zap.String("conn_id", event.ConnID))
	}
	if event.IP != "" {
		fields = append(fields, zap.String("ip", event.IP))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("reason", event.Error))
	}
	for k, v := range event.Metadata {
		fields = append(fields, zap.String("meta."+k, v))
	}

	if event.Success {
		s.logger.Info(event.EventType, fields...)
		return
	}
	s.logger.Warn(event.EventType, fields...)
}
