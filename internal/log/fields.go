package log

// Common field names for structured logging
const (
	FieldComponent    = "component"
	FieldRequestID    = "request_id"
	FieldClientIP     = "client_ip"
	FieldMethod       = "method"
	FieldPath         = "path"
	FieldQuery        = "query"
	FieldStatusCode   = "status_code"
	FieldDuration     = "duration_ms"
	FieldUserAgent    = "user_agent"
	FieldSuccess      = "success"
	FieldError        = "error"
	FieldOperation    = "operation"
	FieldSource       = "source"
	FieldGeneration   = "generation"
	FieldIndicator    = "indicator"
	FieldRows         = "rows"
	FieldAccepted     = "accepted"
	FieldSkipped      = "skipped"
	FieldRecordKey    = "record_key"
	FieldDirection    = "direction"
	FieldForCount     = "for_count"
	FieldAgainstCount = "against_count"
	FieldSubscription = "subscription_id"
	FieldFormat       = "format"
)

// Component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentDataset   = "dataset"
	ComponentVote      = "vote"
	ComponentFeed      = "feed"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentCache     = "cache"
	ComponentRateLimit = "rate_limit"
	ComponentTrace     = "trace"
	ComponentBackend   = "backend"
	ComponentCLI       = "cli"
)

// Operation names
const (
	OpLoad     = "load"
	OpReload   = "reload"
	OpProject  = "project"
	OpRender   = "render"
	OpExport   = "export"
	OpCast     = "cast"
	OpWatch    = "watch"
	OpShutdown = "shutdown"
	OpStartup  = "startup"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

// WithError adds the error message; a nil error adds nothing.
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithVote adds the committed counter of a vote.
func (f LogFields) WithVote(key, direction string, forCount, againstCount int64) LogFields {
	f[FieldRecordKey] = key
	f[FieldDirection] = direction
	f[FieldForCount] = forCount
	f[FieldAgainstCount] = againstCount
	return f
}

// WithFormat adds the encoding a request body arrived in.
func (f LogFields) WithFormat(format string) LogFields {
	f[FieldFormat] = format
	return f
}

// WithLoad adds the outcome of a dataset load.
func (f LogFields) WithLoad(source string, generation uint64, rows, accepted, skipped int) LogFields {
	f[FieldSource] = source
	f[FieldGeneration] = generation
	f[FieldRows] = rows
	f[FieldAccepted] = accepted
	f[FieldSkipped] = skipped
	return f
}

func (f LogFields) WithHTTPRequest(method, path, query, userAgent string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldQuery] = query
	f[FieldUserAgent] = userAgent
	return f
}

func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = statusCode < 400
	return f
}

// ToSlice converts LogFields to key/value pairs for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
