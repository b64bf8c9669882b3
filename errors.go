// Completion: 100% - Error handling complete, clear and helpful messages
package main

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Every EmitError unwraps to one of these, so callers can
// use errors.Is regardless of the message.
var (
	ErrUnresolvedLabel   = errors.New("unresolved label")
	ErrDuplicateLabel    = errors.New("duplicate label")
	ErrTooManySections   = errors.New("too many sections")
	ErrPatchCapacity     = errors.New("patch capacity exceeded")
	ErrPatchOutOfRange   = errors.New("patch outside section bytes")
	ErrDisplacementRange = errors.New("displacement out of range")
	ErrLayoutOrder       = errors.New("section placed out of canonical order")
	ErrAlreadyEmitted    = errors.New("section store already emitted")
	ErrBadProfile        = errors.New("invalid image profile")
	ErrOutputFile        = errors.New("cannot create output file")
	ErrDescription       = errors.New("invalid image description")
	ErrInternal          = errors.New("internal emitter error")
)

// ErrorLevel indicates the severity of an error
type ErrorLevel int

const (
	LevelWarning ErrorLevel = iota
	LevelError
	LevelFatal
)

func (l ErrorLevel) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal error"
	default:
		return "unknown"
	}
}

// ErrorCategory classifies the type of error
type ErrorCategory int

const (
	CategoryLayout ErrorCategory = iota
	CategoryImport
	CategoryPatch
	CategoryIO
	CategoryDescription
	CategoryInternal
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryLayout:
		return "layout"
	case CategoryImport:
		return "import"
	case CategoryPatch:
		return "patch"
	case CategoryIO:
		return "io"
	case CategoryDescription:
		return "description"
	case CategoryInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ErrorContext provides additional context for an error
type ErrorContext struct {
	Suggestion string // "did you mean 'x'?"
	HelpText   string
}

// EmitError is a single emission failure
type EmitError struct {
	Level    ErrorLevel
	Category ErrorCategory
	Message  string
	Section  string // empty when not tied to a section
	Offset   int    // byte offset within Section, -1 when unknown
	Context  ErrorContext
	Err      error // sentinel
}

// Error implements the error interface
func (e *EmitError) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("%s: %s", e.Category, e.Message)
	}
	if e.Offset < 0 {
		return fmt.Sprintf("%s: %s: %s", e.Category, e.Section, e.Message)
	}
	return fmt.Sprintf("%s: %s+0x%x: %s", e.Category, e.Section, e.Offset, e.Message)
}

func (e *EmitError) Unwrap() error {
	return e.Err
}

// Format returns a nicely formatted error message with context
func (e *EmitError) Format(useColor bool) string {
	var sb strings.Builder

	if useColor {
		sb.WriteString("\033[1;31m") // Bold red
	}
	sb.WriteString(e.Level.String())
	sb.WriteString(": ")
	if useColor {
		sb.WriteString("\033[0m")
	}
	sb.WriteString(e.Message)
	sb.WriteString("\n")

	if e.Section != "" {
		if useColor {
			sb.WriteString("\033[1;34m") // Bold blue
		}
		sb.WriteString("  --> ")
		sb.WriteString(e.Section)
		if e.Offset >= 0 {
			sb.WriteString(fmt.Sprintf("+0x%x", e.Offset))
		}
		if useColor {
			sb.WriteString("\033[0m")
		}
		sb.WriteString("\n")
	}

	if e.Context.Suggestion != "" {
		if useColor {
			sb.WriteString("\033[1;32m") // Bold green
		}
		sb.WriteString("   help: ")
		if useColor {
			sb.WriteString("\033[0m")
		}
		sb.WriteString(e.Context.Suggestion)
		sb.WriteString("\n")
	}

	if e.Context.HelpText != "" {
		if useColor {
			sb.WriteString("\033[1;36m") // Bold cyan
		}
		sb.WriteString("   note: ")
		if useColor {
			sb.WriteString("\033[0m")
		}
		sb.WriteString(e.Context.HelpText)
		sb.WriteString("\n")
	}

	return sb.String()
}

// FatalError creates a fatal internal error
func FatalError(category ErrorCategory, sentinel error, format string, args ...any) *EmitError {
	return &EmitError{
		Level:    LevelFatal,
		Category: category,
		Message:  fmt.Sprintf(format, args...),
		Offset:   -1,
		Err:      sentinel,
		Context: ErrorContext{
			HelpText: "This is an internal emitter error. The upstream assembler broke its contract.",
		},
	}
}

// SectionError creates a fatal error anchored at a section offset
func SectionError(category ErrorCategory, sentinel error, section string, offset int, format string, args ...any) *EmitError {
	return &EmitError{
		Level:    LevelFatal,
		Category: category,
		Message:  fmt.Sprintf(format, args...),
		Section:  section,
		Offset:   offset,
		Err:      sentinel,
	}
}

// OutputFileError reports an environment failure for the given path
func OutputFileError(path string, err error) *EmitError {
	return &EmitError{
		Level:    LevelError,
		Category: CategoryIO,
		Message:  fmt.Sprintf("cannot write %s: %v", path, err),
		Offset:   -1,
		Err:      ErrOutputFile,
	}
}

// ErrorCollector accumulates errors while loading an image description
type ErrorCollector struct {
	errors    []*EmitError
	maxErrors int
	source    string // file name, for messages
}

// NewErrorCollector creates a new error collector
func NewErrorCollector(source string, maxErrors int) *ErrorCollector {
	if maxErrors <= 0 {
		maxErrors = 10 // Default: stop after 10 errors
	}
	return &ErrorCollector{
		maxErrors: maxErrors,
		source:    source,
	}
}

// Addf records a description problem
func (ec *ErrorCollector) Addf(where string, format string, args ...any) {
	ec.errors = append(ec.errors, &EmitError{
		Level:    LevelError,
		Category: CategoryDescription,
		Message:  fmt.Sprintf(format, args...),
		Section:  where,
		Offset:   -1,
		Err:      ErrDescription,
	})
}

// HasErrors returns true if any errors were collected
func (ec *ErrorCollector) HasErrors() bool {
	return len(ec.errors) > 0
}

// ErrorCount returns the number of errors
func (ec *ErrorCollector) ErrorCount() int {
	return len(ec.errors)
}

// ShouldStop returns true if we've hit the error limit
func (ec *ErrorCollector) ShouldStop() bool {
	return len(ec.errors) >= ec.maxErrors
}

// Report formats all errors for display
func (ec *ErrorCollector) Report(useColor bool) string {
	var sb strings.Builder
	for i, err := range ec.errors {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(err.Format(useColor))
	}
	if len(ec.errors) > 0 {
		sb.WriteString(fmt.Sprintf("\n%d error(s) found in %s\n", len(ec.errors), ec.source))
	}
	return sb.String()
}

// Err returns nil or a single error that wraps ErrDescription and lists
// every collected problem.
func (ec *ErrorCollector) Err() error {
	if len(ec.errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(ec.errors))
	for _, e := range ec.errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("%w: %s: %s", ErrDescription, ec.source, strings.Join(msgs, "; "))
}
