package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-extract/extract"
	"github.com/dhcgn/imap-extract/message"
	"github.com/dhcgn/imap-extract/model"
	"github.com/dhcgn/imap-extract/output"
	"github.com/dhcgn/imap-extract/state"
)

func newDecodeCmd() *cobra.Command {
	var opts extract.Options

	cmd := &cobra.Command{
		Use:   "decode [file ...]",
		Short: "Decode raw RFC 822 messages and print the extraction result as JSON Lines",
		Long: "Decode reads each file (or standard input when no file or - is given) as a single\n" +
			"raw message and prints sender, recipient, subject, body and links as one JSON object per line.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"-"}
			}

			out := output.NewJSONLWriter(cmd.OutOrStdout(), nil)
			extractor := extract.New(opts)
			for _, name := range args {
				raw, err := readInput(cmd.InOrStdin(), name)
				if err != nil {
					return err
				}
				if err := out.Write(cmd.Context(), decodeResult(extractor, name, raw)); err != nil {
					return err
				}
			}
			return out.Close()
		},
	}

	addExtractFlags(cmd.Flags(), &opts)
	return cmd
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return raw, nil
	}
	raw, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return raw, nil
}

// decodeResult never fails: undecodable input is reported through Skipped.
func decodeResult(extractor *extract.Extractor, name string, raw []byte) model.Result {
	result := model.Result{
		Key:         state.ContentKey(model.Hash(raw)),
		Source:      model.SourceFile,
		Mailbox:     name,
		ExtractedAt: time.Now().UTC(),
	}

	msg, err := message.Decode(raw)
	if err != nil {
		result.Skipped = err.Error()
		return result
	}

	details := extractor.Details(msg)
	result.Sender = details.Sender
	result.Recipient = details.Recipient
	result.Subject = details.Subject
	result.Body = details.Body
	result.Links = extractor.Links(msg)
	result.Defects = len(msg.AllDefects())
	return result
}
