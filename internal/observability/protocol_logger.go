// internal/observability/protocol_logger.go
package observability

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/driveline/internal/protocol"
)

const maxLoggedPayload = 512

// ProtocolLogger writes wire traffic at debug level on a "protocol" logger.
// A nil or disabled ProtocolLogger is a no-op.
type ProtocolLogger struct {
	logger  *zap.Logger
	enabled bool
}

// NewProtocolLogger returns a protocol logger derived from logger.
func NewProtocolLogger(logger *zap.Logger, enabled bool) *ProtocolLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProtocolLogger{logger: logger.Named("protocol"), enabled: enabled}
}

// Send logs an outbound message.
func (p *ProtocolLogger) Send(msg *protocol.Message) { p.log("SEND ►", msg) }

// Recv logs an inbound message.
func (p *ProtocolLogger) Recv(msg *protocol.Message) { p.log("◀ RECV", msg) }

func (p *ProtocolLogger) log(direction string, msg *protocol.Message) {
	if p == nil || !p.enabled || msg == nil {
		return
	}
	if ce := p.logger.Check(zap.DebugLevel, direction); ce != nil {
		fields := []zap.Field{zap.Int64("id", msg.ID)}
		if msg.Method != "" {
			fields = append(fields, zap.String("method", msg.Method))
		}
		if msg.SessionID != "" {
			fields = append(fields, zap.String("session_id", msg.SessionID))
		}
		if msg.PageProxyID != "" {
			fields = append(fields, zap.String("page_proxy_id", msg.PageProxyID))
		}
		switch {
		case msg.Error != nil:
			fields = append(fields, zap.String("error", msg.Error.Message))
		case len(msg.Params) > 0:
			fields = append(fields, zap.ByteString("params", truncate(msg.Params)))
		case len(msg.Result) > 0:
			fields = append(fields, zap.ByteString("result", truncate(msg.Result)))
		}
		ce.Write(fields...)
	}
}

func truncate(b []byte) []byte {
	if len(b) <= maxLoggedPayload {
		return b
	}
	return b[:maxLoggedPayload]
}
