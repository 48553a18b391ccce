package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor (matches pkg/middleware/auth.go keys)
	FieldUserID   = "user_id"
	FieldUsername = "username"

	// Service
	FieldService     = "service"
	FieldEnvironment = "environment"

	// Realtime
	FieldNamespace      = "namespace"
	FieldConversationID = "conversation_id"
	FieldClientID       = "client_id"
	FieldState          = "state"
	FieldReason         = "reason"
	FieldAttempt        = "attempt"

	// Events
	FieldTopic          = "topic"
	FieldEventType      = "event_type"
	FieldEventID        = "event_id"
	FieldIdempotencyKey = "idempotency_key"
	FieldCorrelationID  = "correlation_id"
	FieldDeliveryID     = "delivery_id"

	// Risk
	FieldRiskTier   = "risk_tier"
	FieldFraudScore = "fraud_score"

	// Log type (for audit log)
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
