package proto

// Envelope types.
const (
	TypeRegister   = "register"
	TypeUnregister = "unregister"
	TypeRequest    = "request"
	TypeReply      = "reply"
	TypeDisconnect = "disconnect"
)

// Reserved command codes. Codes are strings so leading zeros survive.
const (
	CodeOK              = "000"
	CodeListConnections = "015"
	CodeBadRequest      = "400"
	CodeUnauthorized    = "401"
	CodeIDTaken         = "403"
	CodeNotFound        = "404"
	CodeUnprocessable   = "422"
	CodeUnavailable     = "503"
)

// Status labels carried as content of broker status envelopes.
const (
	LabelRegisterSuccess   = "register-success"
	LabelUnregisterSuccess = "unregister-success"
	LabelBadRequest        = "bad-request"
	LabelUnauthorized      = "unauthorized"
	LabelIDTaken           = "id-already-registered"
	LabelNotFound          = "target-not-found"
	LabelUnprocessable     = "unprocessable-entity"
	LabelUnavailable       = "service-unavailable"
)

// Upgrade headers sent by peers.
const (
	HeaderAuthorization = "Authorization"
	HeaderAPIVersion    = "ArunaCore-API-Version"
	HeaderClientID      = "Client-ID"
)

// WebSocket close codes used by the broker beyond the RFC 6455 ones.
const (
	CloseUnauthorized = 4401
	CloseAuthTimeout  = 4408
)

// Status builds a broker status envelope addressed to `to`.
func Status(from, code, label, to string) Envelope {
	e := Envelope{
		From:    Identity{ID: from},
		Command: code,
		Content: MustContent(label),
	}
	if to != "" {
		e.Target = &Identity{ID: to}
	}
	return e
}

// IsError reports whether command is a 4xx/5xx status code.
func IsError(command string) bool {
	return len(command) == 3 && (command[0] == '4' || command[0] == '5')
}
