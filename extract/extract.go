// Package extract pulls plain text, header details and links out of a decoded
// message tree. Every function here is pure and safe for concurrent use.
package extract

import (
	"strings"

	"github.com/dhcgn/imap-extract/links"
	"github.com/dhcgn/imap-extract/message"
)

const plainTextType = "text/plain"

// Details is the metadata and body extracted from one message.
type Details struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Options configures an Extractor.
type Options struct {
	// Separator is written between consecutive text/plain parts. Empty means
	// the parts are concatenated as-is.
	Separator string
	Links     links.Options
}

type Extractor struct {
	opts Options
}

func New(opts Options) *Extractor {
	return &Extractor{opts: opts}
}

var defaultExtractor = New(Options{})

// Text returns the concatenated text/plain parts of msg using default options.
func Text(msg *message.Message) string {
	return defaultExtractor.Text(msg)
}

// ExtractDetails returns the From, To and Subject headers and the body text of
// msg using default options.
func ExtractDetails(msg *message.Message) Details {
	return defaultExtractor.Details(msg)
}

// Text walks msg depth-first and joins the decoded text of every text/plain
// leaf in document order. Messages without such a leaf yield "".
func (e *Extractor) Text(msg *message.Message) string {
	var sb strings.Builder
	for i, part := range PlainTextParts(msg) {
		if i > 0 {
			sb.WriteString(e.opts.Separator)
		}
		sb.WriteString(PartText(part))
	}
	return sb.String()
}

// Details reads the first From, To and Subject header verbatim (absent headers
// become "") and extracts the body text.
func (e *Extractor) Details(msg *message.Message) Details {
	return Details{
		Sender:    msg.Header.Get("From"),
		Recipient: msg.Header.Get("To"),
		Subject:   msg.Header.Get("Subject"),
		Body:      e.Text(msg),
	}
}

// Links scans each text/plain part separately, so a link can never be glued
// together from the end of one part and the start of the next.
func (e *Extractor) Links(msg *message.Message) []string {
	var out []string
	for _, part := range PlainTextParts(msg) {
		out = append(out, e.opts.Links.Extract(PartText(part))...)
	}
	return out
}

// PlainTextParts returns the text/plain leaves of msg in document order.
func PlainTextParts(msg *message.Message) []*message.Part {
	var parts []*message.Part
	for _, part := range msg.Leaves() {
		if part.MediaType == plainTextType {
			parts = append(parts, part)
		}
	}
	return parts
}

// PartText undoes the transfer encoding of p and converts it from its declared
// charset. Decoding problems never fail: corrupt transfer encodings keep the
// best-effort bytes and bad charsets fall back to lossy UTF-8.
func PartText(p *message.Part) string {
	data, _ := p.Decoded()
	return decodeCharset(p.Charset, data)
}
