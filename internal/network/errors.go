package network

import "fmt"

// LoadErrorKind classifies fatal model load failures.
type LoadErrorKind int

const (
	DuplicateID LoadErrorKind = iota
	UnresolvedReference
	InvalidBounds
	MalformedSection
)

func (k LoadErrorKind) String() string {
	switch k {
	case DuplicateID:
		return "duplicate id"
	case UnresolvedReference:
		return "unresolved reference"
	case InvalidBounds:
		return "invalid bounds"
	case MalformedSection:
		return "malformed section"
	}
	return "load error"
}

// LoadError is a fatal network definition error. Line is 1-based and 0 when
// the error is not tied to a specific input line.
type LoadError struct {
	Kind    LoadErrorKind
	Section string
	Line    int
	Detail  string
}

func (e *LoadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s in [%s] line %d: %s", e.Kind, e.Section, e.Line, e.Detail)
	}
	if e.Section != "" {
		return fmt.Sprintf("%s in [%s]: %s", e.Kind, e.Section, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func loadErr(kind LoadErrorKind, section string, line int, format string, args ...any) *LoadError {
	return &LoadError{Kind: kind, Section: section, Line: line, Detail: fmt.Sprintf(format, args...)}
}
