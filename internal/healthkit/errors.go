package healthkit

import (
	"fmt"
	"strings"

	"healthetl/internal/parser/xmlstream"
)

// ElementError is a recoverable problem with one element. The element is
// dropped and the conversion continues.
type ElementError struct {
	Tag    string
	Attrs  []xmlstream.Attr
	Offset int64
	Line   int
	Reason string
	Err    error
}

func (e *ElementError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "<%s> at line %d (offset %d): %s", e.Tag, e.Line, e.Offset, e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ElementError) Unwrap() error { return e.Err }

// StructuralError reports malformed nesting. It is fatal for the run.
type StructuralError struct {
	Tag    string
	Offset int64
	Line   int
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural error: <%s> at line %d (offset %d): %s", e.Tag, e.Line, e.Offset, e.Reason)
}

func elementErr(ev *xmlstream.Event, reason string, err error) *ElementError {
	return &ElementError{Tag: ev.Name, Attrs: ev.Attrs, Offset: ev.Offset, Line: ev.Line, Reason: reason, Err: err}
}

func structuralErr(ev *xmlstream.Event, format string, args ...any) *StructuralError {
	return &StructuralError{Tag: ev.Name, Offset: ev.Offset, Line: ev.Line, Reason: fmt.Sprintf(format, args...)}
}
