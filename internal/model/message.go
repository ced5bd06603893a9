package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	DefaultPriority    = 5
	MinPriority        = 1
	MaxPriority        = 9
	DefaultContentType = "text/plain"
)

type Address string // XXXY mesh address, e.g. 0001

type Routing struct {
	Source      Address `json:"source"`
	Destination Address `json:"destination"`
	Priority    int     `json:"priority"`
}

type Content struct {
	Subject     *string `json:"subject"`
	Body        string  `json:"body"`
	ContentType string  `json:"content_type"`
}

type TraceHop struct {
	NodeID    string    `json:"node_id"`
	Timestamp Timestamp `json:"timestamp"`
}

// Message is a validated telex message as received from the wire.
type Message struct {
	MessageID        uuid.UUID  `json:"message_id"`
	TimestampCreated Timestamp  `json:"timestamp_created"`
	Routing          Routing    `json:"routing"`
	Content          Content    `json:"content"`
	Trace            []TraceHop `json:"trace"`
}

// AppendTrace records that nodeID handled the message at the given time.
func (m *Message) AppendTrace(nodeID string, at time.Time) {
	m.Trace = append(m.Trace, TraceHop{NodeID: nodeID, Timestamp: Timestamp{at}})
}

type wireMessage struct {
	MessageID        *string      `json:"message_id"`
	TimestampCreated *string      `json:"timestamp_created"`
	Routing          *wireRouting `json:"routing" validate:"required"`
	Content          *wireContent `json:"content" validate:"required"`
	Trace            []wireHop    `json:"trace" validate:"dive"`
}

type wireRouting struct {
	Source      *string `json:"source" validate:"required"`
	Destination *string `json:"destination" validate:"required"`
	Priority    *int    `json:"priority" validate:"omitempty,min=1,max=9"`
}

type wireContent struct {
	Subject     *string `json:"subject"`
	Body        *string `json:"body" validate:"required"`
	ContentType *string `json:"content_type"`
}

type wireHop struct {
	NodeID    *string `json:"node_id" validate:"required"`
	Timestamp *string `json:"timestamp" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseMessage decodes a single JSON document and validates it. The raw bytes
// must already be syntactically valid JSON; type and schema problems are
// reported as a *ValidationError.
func ParseMessage(raw []byte) (*Message, error) {
	wire := &wireMessage{}
	if err := json.Unmarshal(raw, wire); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, typeError(typeErr)
		}
		return nil, fmt.Errorf("decoding message: %w", err)
	}

	verr := &ValidationError{}
	if err := validate.Struct(wire); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, fmt.Errorf("validating message: %w", err)
		}
		for _, fe := range fieldErrs {
			verr.add(fieldPath(fe.Namespace()), describe(fe))
		}
		return nil, verr
	}

	m := &Message{
		Routing: Routing{
			Source:      Address(*wire.Routing.Source),
			Destination: Address(*wire.Routing.Destination),
			Priority:    DefaultPriority,
		},
		Content: Content{
			Subject:     wire.Content.Subject,
			Body:        *wire.Content.Body,
			ContentType: DefaultContentType,
		},
		Trace: make([]TraceHop, 0, len(wire.Trace)),
	}
	if wire.Routing.Priority != nil {
		m.Routing.Priority = *wire.Routing.Priority
	}
	if wire.Content.ContentType != nil {
		m.Content.ContentType = *wire.Content.ContentType
	}

	if wire.MessageID != nil {
		id, err := uuid.Parse(*wire.MessageID)
		if err != nil {
			verr.add("message_id", "invalid UUID: "+err.Error())
		}
		m.MessageID = id
	} else {
		m.MessageID = uuid.New()
	}

	if wire.TimestampCreated != nil {
		ts, err := ParseTimestamp(*wire.TimestampCreated)
		if err != nil {
			verr.add("timestamp_created", err.Error())
		}
		m.TimestampCreated = Timestamp{ts}
	} else {
		m.TimestampCreated = Timestamp{time.Now().UTC()}
	}

	for i, hop := range wire.Trace {
		ts, err := ParseTimestamp(*hop.Timestamp)
		if err != nil {
			verr.add(fmt.Sprintf("trace[%d].timestamp", i), err.Error())
			continue
		}
		m.Trace = append(m.Trace, TraceHop{NodeID: *hop.NodeID, Timestamp: Timestamp{ts}})
	}

	if len(verr.Fields) > 0 {
		return nil, verr
	}
	return m, nil
}

func typeError(err *json.UnmarshalTypeError) *ValidationError {
	verr := &ValidationError{}
	field := err.Field
	if field == "" {
		verr.add("message", "must be a JSON object")
		return verr
	}
	verr.add(field, fmt.Sprintf("expected %s, got %s", jsonKind(err.Type), err.Value))
	return verr
}

func jsonKind(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct, reflect.Map:
		return "object"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Int, reflect.Int64, reflect.Int32:
		return "integer"
	case reflect.Bool:
		return "boolean"
	}
	return t.Kind().String()
}

// fieldPath strips the root struct name from a validator namespace,
// wireMessage.routing.priority -> routing.priority
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field required"
	case "min":
		return "must be greater than or equal to " + fe.Param()
	case "max":
		return "must be less than or equal to " + fe.Param()
	}
	return fmt.Sprintf("failed %q validation", fe.Tag())
}

type FieldError struct {
	Field  string
	Reason string
}

// ValidationError lists every field that failed validation. It matches
// ErrorInvalidMessage with errors.Is.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return fmt.Sprintf("%d validation error(s): %s", len(e.Fields), strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrorInvalidMessage
}
