package ocidist

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type staticError string

func (err staticError) Error() string {
	return string(err)
}

// ErrNotFound and ErrUnauthorized can be used with [errors.Is] to detect the
// most common kinds of [RegistryError].
const ErrNotFound = staticError("not found")
const ErrUnauthorized = staticError("unauthorized")

// Error codes from the OCI Distribution error envelope that callers act on.
const (
	ErrCodeManifestUnknown = "MANIFEST_UNKNOWN"
	ErrCodeNameUnknown     = "NAME_UNKNOWN"
	ErrCodeUnsupported     = "UNSUPPORTED"
)

// RequestError is returned when a request could not be completed at all,
// such as when the connection fails or times out.
type RequestError struct {
	Wrapped error
}

func (err RequestError) Error() string {
	return fmt.Sprintf("request failed: %s", err.Wrapped)
}

func (err RequestError) Unwrap() error {
	return err.Wrapped
}

// ResponseFormatError is returned when the registry responded successfully
// but the body was not in the expected format.
type ResponseFormatError struct {
	Wrapped error
}

func (err ResponseFormatError) Error() string {
	return fmt.Sprintf("response is not in the expected format: %s", err.Wrapped)
}

func (err ResponseFormatError) Unwrap() error {
	return err.Wrapped
}

// ErrorDescriptor is one of the entries in the "errors" array of a registry
// error response.
type ErrorDescriptor struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

func (d ErrorDescriptor) String() string {
	return fmt.Sprintf("%s: %s", d.Code, d.Message)
}

// RegistryError is returned when the registry rejected a request with a 4xx
// status code. Errors is populated from the response body when the registry
// returned a well-formed error document.
type RegistryError struct {
	StatusCode int
	Errors     []ErrorDescriptor
}

func (err *RegistryError) Error() string {
	if len(err.Errors) == 0 {
		return fmt.Sprintf("registry rejected request: %s", statusText(err.StatusCode))
	}
	msgs := make([]string, len(err.Errors))
	for i, d := range err.Errors {
		msgs[i] = d.String()
	}
	return fmt.Sprintf("registry rejected request: %s", strings.Join(msgs, "; "))
}

func (err *RegistryError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return err.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return err.StatusCode == http.StatusUnauthorized
	default:
		return false
	}
}

// HasCode returns true if any of the error descriptors has the given code.
func (err *RegistryError) HasCode(code string) bool {
	for _, d := range err.Errors {
		if d.Code == code {
			return true
		}
	}
	return false
}

// ServerError is returned when the registry responded with a 5xx status code.
type ServerError struct {
	StatusCode int
}

func (err *ServerError) Error() string {
	return fmt.Sprintf("registry server error: %s", statusText(err.StatusCode))
}

// UnexpectedStatusError is returned for any response status code that
// doesn't fall into one of the other categories.
type UnexpectedStatusError struct {
	StatusCode int
}

func (err *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected response status: %s", statusText(err.StatusCode))
}

func statusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return fmt.Sprintf("%d %s", code, text)
	}
	return fmt.Sprintf("%d", code)
}

// classifyResponse returns nil for a 2xx response, or otherwise an error
// describing the failure. The body is read for 4xx responses in the hope of
// finding a structured error document.
func classifyResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		ret := &RegistryError{StatusCode: resp.StatusCode}
		var body struct {
			Errors []ErrorDescriptor `json:"errors"`
		}
		// A malformed error body still tells us the request was rejected,
		// so we just go without the details in that case.
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
			ret.Errors = body.Errors
		}
		return ret
	case resp.StatusCode >= 500 && resp.StatusCode < 600:
		return &ServerError{StatusCode: resp.StatusCode}
	default:
		return &UnexpectedStatusError{StatusCode: resp.StatusCode}
	}
}
