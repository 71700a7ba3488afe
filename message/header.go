package message

import "strings"

// Field is a single header line after unfolding.
type Field struct {
	Name  string
	Value string
}

// Header keeps header fields in the order they appeared. Name lookups are
// case-insensitive and duplicates are preserved.
type Header struct {
	fields []Field
}

// Get returns the value of the first field called name, or "" if there is none.
func (h Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether at least one field called name is present.
func (h Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns every value of the fields called name, in order.
func (h Header) Values(name string) []string {
	var values []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

// Fields returns a copy of all fields.
func (h Header) Fields() []Field {
	out := make([]Field, len(h.fields))
	copy(out, h.fields)
	return out
}

func (h Header) Len() int {
	return len(h.fields)
}

// parseHeader turns a header block into ordered fields. Leading whitespace of a
// value is dropped, trailing whitespace is kept. Continuation lines are joined
// to the previous field with a single space; lines without a colon are dropped.
func parseHeader(block []byte) Header {
	var fields []Field
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if len(fields) == 0 {
				continue
			}
			cont := strings.TrimLeft(line, " \t")
			if strings.TrimSpace(cont) == "" {
				continue
			}
			last := &fields[len(fields)-1]
			if last.Value == "" {
				last.Value = cont
			} else {
				last.Value = strings.TrimRight(last.Value, " \t") + " " + cont
			}
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		fields = append(fields, Field{Name: name, Value: strings.TrimLeft(value, " \t")})
	}
	return Header{fields: fields}
}
