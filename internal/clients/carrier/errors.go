package carrier

import (
	"fmt"
	"strings"

	"github.com/draymark/shipflow-backend/internal/apperr"
)

// APIError is one entry of the carrier's structured error envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorEnvelope struct {
	Errors []APIError `json:"errors"`
}

type HTTPError struct {
	StatusCode int
	Body       string
	APIErrors  []APIError
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "carrier: <nil error>"
	}
	if len(e.APIErrors) > 0 {
		first := e.APIErrors[0]
		return fmt.Sprintf("carrier http %d: %s (code=%s)", e.StatusCode, first.Message, first.Code)
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 4000 {
		msg = msg[:4000] + "..."
	}
	return fmt.Sprintf("carrier http %d: %s", e.StatusCode, msg)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// carrierCodeMap pins known carrier error codes to the stable taxonomy.
// Unlisted codes fall through to message-pattern matching.
var carrierCodeMap = map[string]string{
	"110002": apperr.CodeCarrierAddressRejected,
	"110208": apperr.CodeCarrierAddressRejected,
	"111030": apperr.CodeCarrierServiceNotAvail,
	"111035": apperr.CodeCarrierServiceNotAvail,
	"120500": apperr.CodeCarrierCustomsRejected,
	"120503": apperr.CodeCarrierCustomsRejected,
	"250003": apperr.CodeCarrierAuthFailed,
	"250004": apperr.CodeTokenExpired,
}

// Translate maps a carrier HTTP error to the stable taxonomy. The
// returned message is user-facing; the code is machine-readable.
func Translate(e *HTTPError) *apperr.AppError {
	if e == nil {
		return nil
	}
	msg := "unknown carrier error"
	code := ""
	if len(e.APIErrors) > 0 {
		msg = e.APIErrors[0].Message
		code = e.APIErrors[0].Code
	}

	// The HTTPError stays in the chain: downstream classification relies
	// on its presence to tell a carrier verdict from a transport failure.
	if mapped, ok := carrierCodeMap[code]; ok {
		return appErrForCode(mapped, msg).WithCause(e)
	}

	switch e.StatusCode {
	case 401, 403:
		return apperr.Auth(apperr.CodeCarrierAuthFailed, msg).
			WithCause(e)
	case 429:
		ae := apperr.Carrier(apperr.CodeCarrierRateLimited, msg)
		ae.Remediation = "Carrier rate limit exhausted; retry the job later."
		return ae.WithCause(e)
	}
	if e.StatusCode >= 500 {
		ae := apperr.Carrier(apperr.CodeCarrierUnavailable, msg)
		ae.Remediation = "Carrier service unavailable; retry the job later."
		return ae.WithCause(e)
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "address"):
		return appErrForCode(apperr.CodeCarrierAddressRejected, msg).WithCause(e)
	case strings.Contains(lower, "service") && strings.Contains(lower, "not available"):
		return appErrForCode(apperr.CodeCarrierServiceNotAvail, msg).WithCause(e)
	case strings.Contains(lower, "customs"), strings.Contains(lower, "commodity"):
		return appErrForCode(apperr.CodeCarrierCustomsRejected, msg).WithCause(e)
	}
	return apperr.Carrier(apperr.CodeCarrierUnknown, msg).WithCause(e)
}

func appErrForCode(code, msg string) *apperr.AppError {
	switch code {
	case apperr.CodeCarrierAuthFailed, apperr.CodeTokenExpired:
		return apperr.Auth(code, msg)
	case apperr.CodeCarrierAddressRejected:
		ae := apperr.Carrier(code, msg)
		ae.Remediation = "Verify the recipient address on the source row."
		return ae
	case apperr.CodeCarrierServiceNotAvail:
		ae := apperr.Carrier(code, msg)
		ae.Remediation = "Pick a different carrier service for this lane."
		return ae
	case apperr.CodeCarrierCustomsRejected:
		ae := apperr.Carrier(code, msg)
		ae.Remediation = "Review the customs fields (HS code, declared value, contents)."
		return ae
	default:
		return apperr.Carrier(code, msg)
	}
}
