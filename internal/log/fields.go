package log

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldClientIP    = "client_ip"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldStatusCode  = "status_code"
	FieldDuration    = "duration_ms"
	FieldError       = "error"
	FieldOperation   = "operation"
	FieldEventID     = "event_id"
	FieldEventType   = "event_type"
	FieldUserID      = "user_id"
	FieldCategory    = "category"
	FieldPeriod      = "period"
	FieldTier        = "tier"
	FieldAmountPaise = "amount_paise"
	FieldSpentPaise  = "spent_paise"
	FieldAttempt     = "attempt"
	FieldXP          = "xp"
	FieldLevel       = "level"
	FieldStreakDays  = "streak_days"
)

// Components defines standard component names
const (
	ComponentEngine      = "engine"
	ComponentHTTP        = "http"
	ComponentStorage     = "storage"
	ComponentAMQP        = "amqp"
	ComponentWorker      = "worker"
	ComponentAggregate   = "aggregate"
	ComponentThreshold   = "threshold"
	ComponentDispatch    = "dispatch"
	ComponentProgression = "progression"
	ComponentGoals       = "goals"
	ComponentSheets      = "sheets"
	ComponentCache       = "cache"
)

// Operations defines standard operation names
const (
	OpValidate  = "validate"
	OpApply     = "apply"
	OpRecompute = "recompute"
	OpEvaluate  = "evaluate"
	OpDispatch  = "dispatch"
	OpAward     = "award"
	OpQuery     = "query"
	OpStartup   = "startup"
	OpShutdown  = "shutdown"
)
