package events

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/masc-dev/masc/internal/common/logger"
	"github.com/masc-dev/masc/internal/room"
)

// AuditLevel is the governance level of the audit log.
type AuditLevel string

const (
	AuditOff   AuditLevel = "off"
	AuditBasic AuditLevel = "basic" // tool calls and state mutations
	AuditFull  AuditLevel = "full"  // everything, heartbeats and reads included
)

// ParseAuditLevel normalizes a config string; unknown values mean basic.
func ParseAuditLevel(s string) AuditLevel {
	switch AuditLevel(strings.ToLower(s)) {
	case AuditOff, AuditBasic, AuditFull:
		return AuditLevel(strings.ToLower(s))
	default:
		return AuditBasic
	}
}

// Auditor appends JSON-line events to the room audit log, filtered by the
// configured governance level.
type Auditor struct {
	store *room.Store
	level AuditLevel
	log   *logger.Logger
}

// NewAuditor creates an auditor at the given level.
func NewAuditor(store *room.Store, level AuditLevel, log *logger.Logger) *Auditor {
	if log == nil {
		log = logger.Default()
	}
	return &Auditor{store: store, level: level, log: log}
}

// Append records ev when the governance level admits it. Failures are
// logged, never propagated: audit cannot fail the operation it records.
func (a *Auditor) Append(ctx context.Context, ev room.AuditEvent) {
	if !a.admits(ev.EventType) {
		return
	}
	if err := a.store.AppendAudit(ctx, ev); err != nil {
		a.log.Warn("audit append failed",
			zap.String("event_type", ev.EventType), zap.Error(err))
	}
}

func (a *Auditor) admits(eventType string) bool {
	switch a.level {
	case AuditOff:
		return false
	case AuditFull:
		return true
	default:
		// Basic drops liveness noise and pure reads.
		if eventType == AgentSeen {
			return false
		}
		if strings.HasPrefix(eventType, "read.") {
			return false
		}
		return true
	}
}
