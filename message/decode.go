package message

import (
	"bytes"
	"errors"
	"mime"
	"strings"
)

// ErrMalformedMessage is returned by Decode when the input has no blank line
// separating the header block from the body.
var ErrMalformedMessage = errors.New("malformed message: no header/body separator")

// Decode parses raw into a Message tree. Multipart bodies are decoded
// recursively; a block that fails to decode is recorded in Defects and left
// out instead of failing the whole message.
func Decode(raw []byte) (*Message, error) {
	headerBlock, body, ok := splitHeaderBody(raw)
	if !ok {
		return nil, ErrMalformedMessage
	}

	msg := &Message{Header: parseHeader(headerBlock)}
	mediaType, params := contentType(msg.Header)

	if strings.HasPrefix(mediaType, "multipart/") {
		if boundary := params["boundary"]; boundary != "" {
			if blocks, found := splitMultipart(body, boundary); found {
				msg.Body = Body{
					Kind:      KindMultipart,
					MediaType: mediaType,
					Boundary:  boundary,
					Children:  make([]*Message, 0, len(blocks)),
				}
				for i, block := range blocks {
					child, err := Decode(block)
					if err != nil {
						msg.Defects = append(msg.Defects, &PartError{Index: i, Err: err})
						continue
					}
					msg.Body.Children = append(msg.Body.Children, child)
				}
				return msg, nil
			}
		}
	}

	msg.Body = Body{
		Kind:      KindLeaf,
		MediaType: mediaType,
		Part:      newPart(msg.Header, mediaType, params, body),
	}
	return msg, nil
}

func newPart(h Header, mediaType string, params map[string]string, payload []byte) *Part {
	charset := strings.ToLower(strings.Trim(strings.TrimSpace(params["charset"]), `"`))
	if charset == "" {
		charset = DefaultCharset
	}
	encoding := strings.ToLower(strings.TrimSpace(h.Get("Content-Transfer-Encoding")))
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &Part{
		MediaType: mediaType,
		Params:    params,
		Charset:   charset,
		Encoding:  encoding,
		Raw:       payload,
	}
}

// splitHeaderBody cuts raw at the first empty line. An input that starts with
// an empty line has no header fields.
func splitHeaderBody(raw []byte) (header, body []byte, ok bool) {
	for start := 0; start < len(raw); {
		idx := bytes.IndexByte(raw[start:], '\n')
		if idx < 0 {
			break
		}
		end := start + idx
		line := raw[start:end]
		if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
			return raw[:start], raw[end+1:], true
		}
		start = end + 1
	}
	return nil, nil, false
}

// contentType returns the lower-cased media type and parameters. Missing or
// unusable values fall back to text/plain.
func contentType(h Header) (string, map[string]string) {
	value := h.Get("Content-Type")
	if strings.TrimSpace(value) == "" {
		return DefaultMediaType, map[string]string{}
	}

	mediaType, params, err := mime.ParseMediaType(value)
	if err != nil {
		looseType, looseParams := parseMediaTypeLoose(value)
		if !errors.Is(err, mime.ErrInvalidMediaParameter) {
			mediaType = looseType
		}
		params = looseParams
	}
	if params == nil {
		params = map[string]string{}
	}
	if strings.Count(mediaType, "/") != 1 {
		return DefaultMediaType, params
	}
	return mediaType, params
}

// parseMediaTypeLoose handles values mime.ParseMediaType rejects, such as
// duplicate parameters or unquoted boundaries containing '='. The first
// occurrence of a parameter wins.
func parseMediaTypeLoose(value string) (string, map[string]string) {
	segments := strings.Split(value, ";")
	mediaType := strings.ToLower(strings.TrimSpace(segments[0]))
	params := make(map[string]string)
	for _, seg := range segments[1:] {
		key, val, ok := strings.Cut(seg, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if _, exists := params[key]; exists {
			continue
		}
		params[key] = strings.Trim(strings.TrimSpace(val), `"`)
	}
	return mediaType, params
}

// splitMultipart returns the blocks between boundary delimiter lines, dropping
// the preamble and epilogue. found is false when no delimiter line exists.
func splitMultipart(body []byte, boundary string) (blocks [][]byte, found bool) {
	delimiter := []byte("--" + boundary)
	partStart := -1

	for start := 0; start < len(body); {
		lineEnd := len(body)
		next := len(body)
		if idx := bytes.IndexByte(body[start:], '\n'); idx >= 0 {
			lineEnd = start + idx
			next = lineEnd + 1
		}

		line := bytes.TrimRight(body[start:lineEnd], " \t\r")
		if bytes.HasPrefix(line, delimiter) {
			rest := line[len(delimiter):]
			closing := string(rest) == "--"
			if len(rest) == 0 || closing {
				found = true
				if partStart >= 0 {
					blocks = append(blocks, trimLineBreak(body[partStart:start]))
				}
				if closing {
					return blocks, true
				}
				partStart = next
			}
		}
		start = next
	}

	if partStart >= 0 && partStart < len(body) {
		blocks = append(blocks, body[partStart:])
	}
	return blocks, found
}

// trimLineBreak removes the line break that precedes a delimiter; it belongs
// to the delimiter, not to the part.
func trimLineBreak(b []byte) []byte {
	if bytes.HasSuffix(b, []byte("\r\n")) {
		return b[:len(b)-2]
	}
	if bytes.HasSuffix(b, []byte("\n")) {
		return b[:len(b)-1]
	}
	return b
}
