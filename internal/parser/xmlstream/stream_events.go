// Package xmlstream turns an XML byte stream into batches of structural
// events without materializing the document.
package xmlstream

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Kind is the structural kind of an Event.
type Kind uint8

const (
	StartElement Kind = iota + 1
	EndElement
	CharData
)

func (k Kind) String() string {
	switch k {
	case StartElement:
		return "start"
	case EndElement:
		return "end"
	case CharData:
		return "text"
	default:
		return "unknown"
	}
}

// Attr is one attribute of an element-open event, in document order.
type Attr struct {
	Name  string
	Value string
}

// Event is one structural event.
//
// Offset and Line locate the event in the input: Offset is the byte offset
// where the token starts, Line the 1-based line of that position.
type Event struct {
	Kind   Kind
	Name   string
	Attrs  []Attr
	Text   string
	Offset int64
	Line   int
}

// Attr returns the value of the first attribute named name.
func (e *Event) Attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// ParseError is a malformed-input error with its stream position.
type ParseError struct {
	Offset int64
	Line   int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("xml: line %d (offset %d): %v", e.Line, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Options tunes StreamEvents.
type Options struct {
	// BatchSize is the number of events per Batch. Defaults to 512.
	BatchSize int

	// Text enables CharData events. Whitespace-only text is never emitted.
	Text bool
}

// StreamEvents reads r and sends batches of events to out in document order.
//
// Streaming behavior:
//   - Nesting is not validated here; element-close events are reported as
//     read so the consumer can detect malformed structure itself.
//   - Comments, processing instructions and directives (the export's DOCTYPE
//     with its internal subset) are skipped.
//   - Ownership of each sent Batch transfers to the receiver.
//
// StreamEvents does not close out. It returns nil at end of input, a
// *ParseError for malformed input, or ctx.Err() when canceled.
func StreamEvents(ctx context.Context, r io.Reader, opts Options, out chan<- *Batch) error {
	size := opts.BatchSize
	if size <= 0 {
		size = 512
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dec := xml.NewDecoder(r)
	dec.Strict = true

	batch := GetBatch(size)
	send := func() error {
		if len(batch.Events) == 0 {
			return nil
		}
		select {
		case out <- batch:
			batch = GetBatch(size)
			return nil
		case <-ctx.Done():
			batch.Drop()
			return ctx.Err()
		}
	}

	for {
		offset := dec.InputOffset()
		line, _ := dec.InputPos()

		tok, err := dec.RawToken()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return send()
			}
			batch.Drop()
			var se *xml.SyntaxError
			if errors.As(err, &se) {
				line = se.Line
			}
			return &ParseError{Offset: offset, Line: line, Err: err}
		}

		ev := Event{Offset: offset, Line: line}
		switch t := tok.(type) {
		case xml.StartElement:
			ev.Kind = StartElement
			ev.Name = qualified(t.Name)
			if len(t.Attr) > 0 {
				ev.Attrs = make([]Attr, len(t.Attr))
				for i, a := range t.Attr {
					ev.Attrs[i] = Attr{Name: qualified(a.Name), Value: a.Value}
				}
			}
		case xml.EndElement:
			ev.Kind = EndElement
			ev.Name = qualified(t.Name)
		case xml.CharData:
			if !opts.Text || len(strings.TrimSpace(string(t))) == 0 {
				continue
			}
			ev.Kind = CharData
			ev.Text = string(t)
		default:
			continue
		}

		batch.Events = append(batch.Events, ev)
		if len(batch.Events) >= size {
			if err := send(); err != nil {
				return err
			}
		}
	}
}

// qualified renders a raw (prefix, local) name as written in the document.
func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}
