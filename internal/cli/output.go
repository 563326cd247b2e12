package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/roach88/livedb/internal/ir"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // command ran and everything held
	ExitFailure      = 1 // schema invalid or a scenario failed
	ExitCommandError = 2 // bad input, missing database, backend error
)

// ExitError carries the process exit code for a command failure.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps an error returned by a command to an exit code. A
// bare sync error from the store or engine is a command error; anything
// else without an ExitError is a failure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var syncErr *ir.SyncError
	if errors.As(err, &syncErr) {
		return ExitCommandError
	}
	return ExitFailure
}

// OutputFormatter writes command results as text or as a JSON envelope.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // verbose logs; keeps JSON on Writer parseable
	Verbose   bool
}

// CLIResponse is the JSON envelope every command writes.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// SyncDetails is attached to a command error caused by a store or engine
// failure, so scripts can branch on the sync code without parsing text.
type SyncDetails struct {
	SyncCode   ir.ErrorCode `json:"sync_code"`
	Collection string       `json:"collection,omitempty"`
	Key        string       `json:"key,omitempty"`
	Field      string       `json:"field,omitempty"`
}

// syncDetails returns the details of the first sync error in err's chain,
// or nil.
func syncDetails(err error) any {
	var se *ir.SyncError
	if !errors.As(err, &se) {
		return nil
	}
	d := &SyncDetails{SyncCode: se.Code, Collection: se.Collection, Field: se.Field}
	if !se.Key.IsZero() {
		d.Key = se.Key.String()
	}
	return d
}

func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		if d, ok := details.(*SyncDetails); ok {
			fmt.Fprintf(f.Writer, "Sync: %s collection=%s key=%s\n", d.SyncCode, d.Collection, d.Key)
		} else {
			fmt.Fprintf(f.Writer, "Details: %v\n", details)
		}
	}
	return nil
}

// commandError reports a command-level failure (exit code 2).
func commandError(formatter *OutputFormatter, code, message string, err error) error {
	_ = formatter.Error(code, fmt.Sprintf("%s: %v", message, err), syncDetails(err))
	return WrapExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message), err)
}

// VerboseLog writes to ErrWriter (or Writer) when verbose is on.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
