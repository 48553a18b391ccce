package audit

import (
	"context"

	"github.com/monkeyscloud/monkeyswork-realtime/pkg/log"
)

// Audit actions for the realtime gateway.
const (
	ActionAuthFailed     = "realtime.auth_failed"
	ActionJoinRoom       = "realtime.join_room"
	ActionLeaveRoom      = "realtime.leave_room"
	ActionSendMessage    = "realtime.send_message"
	ActionDisconnect     = "realtime.disconnect"
	ActionRiskBlocked    = "risk.blocked"
	ActionPublishGaveUp  = "events.publish_gave_up"
	ActionSubmitProposal = "jobs.submit_proposal"
)

// Field constants for audit entries.
const (
	FieldAction   = "action"
	FieldTargetID = "target_id"
	FieldDetail   = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action string, userID string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Msg(msg)
}

// LogTarget emits an audit entry about a specific target, such as a
// conversation or job.
func LogTarget(ctx context.Context, action, userID, targetID, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(FieldTargetID, targetID).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action string, userID string, detail string, msg string) {
	l := log.Ctx(ctx)
	l.Warn().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(FieldDetail, detail).
		Msg(msg)
}
