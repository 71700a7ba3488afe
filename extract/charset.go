package extract

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	gocharset "github.com/emersion/go-message/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

const replacementChar = "\uFFFD"

// decodeCharset converts data from the named charset to UTF-8. It never fails:
// unknown charsets and undecodable bytes degrade to U+FFFD replacements.
func decodeCharset(label string, data []byte) string {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "", "us-ascii", "ascii", "ansi_x3.4-1968", "utf-8", "utf8":
		return lossyUTF8(data)
	}

	r, err := gocharset.Reader(label, bytes.NewReader(data))
	if err != nil {
		enc := lookupIANA(label)
		if enc == nil {
			return lossyUTF8(data)
		}
		r = enc.NewDecoder().Reader(bytes.NewReader(data))
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return lossyUTF8(data)
	}
	return lossyUTF8(out)
}

func lookupIANA(label string) encoding.Encoding {
	if enc, err := ianaindex.MIME.Encoding(label); err == nil && enc != nil {
		return enc
	}
	if enc, err := ianaindex.IANA.Encoding(label); err == nil && enc != nil {
		return enc
	}
	return nil
}

func lossyUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), replacementChar)
}
