// Package message decodes raw RFC 5322 / MIME messages into an immutable tree
// of headers and body parts. It performs no I/O and is safe for concurrent use.
package message

import "fmt"

// Kind tags which side of a Body is populated.
type Kind int

const (
	KindLeaf Kind = iota
	KindMultipart
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindMultipart:
		return "multipart"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Body is either a single leaf Part or an ordered list of child messages.
// Exactly one of Part and Children is set, selected by Kind.
type Body struct {
	Kind      Kind
	MediaType string
	// Boundary is only set for KindMultipart.
	Boundary string
	Part     *Part
	Children []*Message
}

// Message is one decoded entity: its header and its body. Trees are built by
// Decode and must not be modified afterwards.
type Message struct {
	Header Header
	Body   Body
	// Defects lists child blocks of a multipart body that could not be decoded
	// and were left out of Children.
	Defects []error
}

// PartError describes a multipart block that was skipped during decoding.
type PartError struct {
	Index int
	Err   error
}

func (e *PartError) Error() string {
	return fmt.Sprintf("part %d: %v", e.Index, e.Err)
}

func (e *PartError) Unwrap() error {
	return e.Err
}

func (m *Message) IsMultipart() bool {
	return m.Body.Kind == KindMultipart
}

// Walk calls fn for m and every descendant, depth-first in document order.
// A non-nil error from fn stops the walk and is returned.
func (m *Message) Walk(fn func(*Message) error) error {
	if err := fn(m); err != nil {
		return err
	}
	if m.Body.Kind != KindMultipart {
		return nil
	}
	for _, child := range m.Body.Children {
		if err := child.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Leaves returns all leaf parts of the tree in document order.
func (m *Message) Leaves() []*Part {
	var parts []*Part
	_ = m.Walk(func(node *Message) error {
		if node.Body.Kind == KindLeaf && node.Body.Part != nil {
			parts = append(parts, node.Body.Part)
		}
		return nil
	})
	return parts
}

// AllDefects collects the defects of m and of all its descendants.
func (m *Message) AllDefects() []error {
	var defects []error
	_ = m.Walk(func(node *Message) error {
		defects = append(defects, node.Defects...)
		return nil
	})
	return defects
}
