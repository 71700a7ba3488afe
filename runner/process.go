package runner

import (
	"net/mail"
	"strings"

	"github.com/dhcgn/imap-extract/message"
	"github.com/dhcgn/imap-extract/model"
	"github.com/dhcgn/imap-extract/stats"
)

// process decodes one message and extracts its details and links. It returns
// false when the message is dropped by the filter.
func (r *Runner) process(msg model.Message) (model.Result, bool) {
	result := model.Result{
		RunID:       r.runID,
		Key:         msg.Key,
		Source:      msg.Source,
		Mailbox:     msg.Mailbox,
		UID:         msg.UID,
		MessageID:   msg.MessageID,
		Date:        msg.ReceivedAt,
		ExtractedAt: r.now().UTC(),
	}

	decoded, err := message.Decode(msg.Raw)
	if err != nil {
		result.Skipped = err.Error()
		r.EmitEvent(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeMalformed, Key: msg.Key, Err: err})
		r.log().Warn("message skipped", "key", msg.Key, "uid", msg.UID, "err", err)
		return result, true
	}

	details := r.extractor.Details(decoded)
	if !r.filter.AllowsDetails(details) {
		r.EmitEvent(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeFiltered, Key: msg.Key})
		return model.Result{}, false
	}

	result.Sender = details.Sender
	result.Recipient = details.Recipient
	result.Subject = details.Subject
	result.Body = details.Body
	result.Links = r.extractor.Links(decoded)

	if result.MessageID == "" {
		result.MessageID = strings.Trim(strings.TrimSpace(decoded.Header.Get("Message-Id")), "<>")
	}
	if result.Date.IsZero() {
		if date := strings.TrimSpace(decoded.Header.Get("Date")); date != "" {
			if t, err := mail.ParseDate(date); err == nil {
				result.Date = t
			}
		}
	}

	defects := decoded.AllDefects()
	result.Defects = len(defects)
	for _, defect := range defects {
		r.log().Debug("message part skipped", "key", msg.Key, "err", defect)
	}

	r.EmitEvent(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeDecoded, Key: msg.Key, Count: len(defects)})
	return result, true
}
