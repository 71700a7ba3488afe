package message

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/quotedprintable"
)

const (
	DefaultMediaType = "text/plain"
	DefaultCharset   = "us-ascii"
	DefaultEncoding  = Encoding7Bit
)

// Transfer encodings with special handling. Any other value is passed through.
const (
	Encoding7Bit            = "7bit"
	Encoding8Bit            = "8bit"
	EncodingBinary          = "binary"
	EncodingBase64          = "base64"
	EncodingQuotedPrintable = "quoted-printable"
)

// Part is a leaf content unit. Raw holds the payload exactly as it appeared in
// the message; the transfer-decoded form is computed by Decoded.
type Part struct {
	MediaType string
	Params    map[string]string
	Charset   string
	Encoding  string
	Raw       []byte
}

// Decoded undoes the declared transfer encoding. Unknown encodings are treated
// as identity. When the payload is corrupt the error is returned together with
// the best-effort bytes: the data decoded before the corruption for base64,
// the unmodified payload for quoted-printable. The returned slice may share
// memory with Raw and must not be modified.
func (p *Part) Decoded() ([]byte, error) {
	switch p.Encoding {
	case EncodingBase64:
		return decodeBase64(p.Raw)
	case EncodingQuotedPrintable:
		return decodeQuotedPrintable(p.Raw)
	default:
		return p.Raw, nil
	}
}

// errBase64Garbage reports bytes that were skipped while decoding base64.
var errBase64Garbage = errors.New("invalid base64 data")

// decodeBase64 keeps only alphabet characters and stops at the first padding
// that completes a quantum. Whitespace is ignored silently; any other skipped
// byte, data after the padding or a dangling single character is reported
// together with everything that could be decoded.
func decodeBase64(raw []byte) ([]byte, error) {
	clean := make([]byte, 0, len(raw))
	var junk, trailing bool

	for i, b := range raw {
		switch {
		case isBase64Alphabet(b):
			clean = append(clean, b)
			continue
		case b == ' ', b == '\t', b == '\r', b == '\n', b == '\f', b == '\v':
			continue
		case b == '=' && len(clean)%4 >= 2:
			trailing = hasBase64Data(raw[i+1:])
		default:
			junk = true
			continue
		}
		break
	}

	var err error
	if len(clean)%4 == 1 {
		clean = clean[:len(clean)-1]
		err = fmt.Errorf("decode base64: %w: incomplete quantum", errBase64Garbage)
	}

	out := make([]byte, base64.RawStdEncoding.DecodedLen(len(clean)))
	n, decErr := base64.RawStdEncoding.Decode(out, clean)
	switch {
	case decErr != nil:
		return out[:n], fmt.Errorf("decode base64: %w", decErr)
	case err != nil:
		return out[:n], err
	case junk:
		return out[:n], fmt.Errorf("decode base64: %w: characters outside the alphabet", errBase64Garbage)
	case trailing:
		return out[:n], fmt.Errorf("decode base64: %w: data after padding", errBase64Garbage)
	}
	return out[:n], nil
}

func isBase64Alphabet(b byte) bool {
	return b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '+' || b == '/'
}

func hasBase64Data(rest []byte) bool {
	for _, b := range rest {
		if isBase64Alphabet(b) {
			return true
		}
	}
	return false
}

func decodeQuotedPrintable(raw []byte) ([]byte, error) {
	out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return raw, fmt.Errorf("decode quoted-printable: %w", err)
	}
	return out, nil
}
