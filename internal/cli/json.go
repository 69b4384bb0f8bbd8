package cli

import (
	"encoding/json"
	"io"

	"github.com/rileyhilliard/rdev/internal/errors"
)

// JSONEnvelope wraps --json output in one shape for every command.
type JSONEnvelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *JSONError  `json:"error,omitempty"`
}

// JSONError is the machine-readable form of an error.
type JSONError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	ExitCode   int    `json:"exit_code,omitempty"`
}

// WriteJSONSuccess writes a successful envelope around data.
func WriteJSONSuccess(w io.Writer, data interface{}) error {
	return writeJSON(w, JSONEnvelope{Success: true, Data: data})
}

// WriteJSONError writes a failed envelope for err, with data alongside
// when the command produced partial results.
func WriteJSONError(w io.Writer, err error, data interface{}) error {
	return writeJSON(w, JSONEnvelope{Success: false, Data: data, Error: ErrorToJSON(err)})
}

// ErrorToJSON converts an error to its JSON form.
func ErrorToJSON(err error) *JSONError {
	if err == nil {
		return nil
	}
	out := &JSONError{Code: "UNKNOWN", Message: err.Error()}
	if rdErr, ok := err.(*errors.Error); ok {
		out.Code = rdErr.Code
		out.Message = rdErr.Message
		out.Suggestion = rdErr.Suggestion
	}
	if code, ok := errors.GetExitCode(err); ok {
		out.ExitCode = code
	}
	return out
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
