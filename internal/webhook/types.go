package webhook

// Config holds intake server configuration.
type Config struct {
	Listen          string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
}

// AcceptedResponse is returned for a queued bundle.
type AcceptedResponse struct {
	Bundle string `json:"bundle"`
	Course string `json:"course"`
}

// ErrorResponse is the JSON response for intake errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

const (
	DefaultMaxBodySize     = 64 << 20
	DefaultSignatureHeader = "X-Gradeq-Signature"
)
