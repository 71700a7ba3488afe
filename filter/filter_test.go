package filter

import (
	"strings"
	"sync"
	"testing"

	"github.com/dhcgn/imap-extract/extract"
)

func TestFilter_AllowsDetails(t *testing.T) {
	newsletter := extract.Details{
		Sender:    "news@shop.example",
		Recipient: "me@example.com",
		Subject:   "Weekly deals",
		Body:      "Unsubscribe at https://shop.example/u",
	}
	invoice := extract.Details{
		Sender:    "billing@vendor.example",
		Recipient: "me@example.com",
		Subject:   "Invoice 42",
		Body:      "Pay at https://vendor.example/pay",
	}

	tests := []struct {
		name       string
		opts       Options
		newsletter bool
		invoice    bool
	}{
		{name: "no filters", opts: Options{}, newsletter: true, invoice: true},
		{name: "include header", opts: Options{IncludeHeader: []string{`(?m)^Subject: Invoice`}}, newsletter: false, invoice: true},
		{name: "include body", opts: Options{IncludeBody: []string{`vendor\.example`}}, newsletter: false, invoice: true},
		{name: "include either", opts: Options{IncludeHeader: []string{"deals"}, IncludeBody: []string{"pay"}}, newsletter: true, invoice: true},
		{name: "exclude header", opts: Options{ExcludeHeader: []string{`(?m)^From: news@`}}, newsletter: false, invoice: true},
		{name: "exclude body", opts: Options{ExcludeBody: []string{"(?i)unsubscribe"}}, newsletter: false, invoice: true},
		{name: "blank patterns ignored", opts: Options{IncludeHeader: []string{"  "}}, newsletter: true, invoice: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.opts)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := f.AllowsDetails(newsletter); got != tt.newsletter {
				t.Errorf("newsletter allowed = %v, want %v", got, tt.newsletter)
			}
			if got := f.AllowsDetails(invoice); got != tt.invoice {
				t.Errorf("invoice allowed = %v, want %v", got, tt.invoice)
			}
		})
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	_, err := New(Options{IncludeHeader: []string{"test"}, ExcludeBody: []string{"spam"}})
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	_, err := New(Options{ExcludeBody: []string{"("}})
	if err == nil || !strings.Contains(err.Error(), "exclude-body") {
		t.Errorf("New() error = %v, want compile error naming the flag", err)
	}
}

func TestFilter_NilAllowsEverything(t *testing.T) {
	var f *Filter
	if !f.Allows("Subject: x", "y") {
		t.Error("nil filter rejected a message")
	}
	if len(f.Stats()) != 0 {
		t.Error("nil filter reported stats")
	}
}

func TestFilter_StatsConcurrent(t *testing.T) {
	f, err := New(Options{ExcludeBody: []string{"spam"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Allows("", "this is spam")
		}()
	}
	wg.Wait()

	if got := f.Stats()["exclude-body spam"]; got != 50 {
		t.Errorf("Stats() hits = %d, want 50", got)
	}
}

func TestHeaderText(t *testing.T) {
	got := HeaderText(extract.Details{Sender: "a", Recipient: "b", Subject: "c"})
	if got != "From: a\nTo: b\nSubject: c" {
		t.Errorf("HeaderText() = %q", got)
	}
}
