// Package cmd contains the helper subcommands that sit next to the main
// extraction command.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dhcgn/imap-extract/extract"
	"github.com/dhcgn/imap-extract/filter"
)

// Register adds all subcommands to root.
func Register(root *cobra.Command) {
	root.AddCommand(
		newDecodeCmd(),
		newMboxStatsCmd(),
		newCredentialsCmd(),
		newHostsCmd(),
	)
}

func addFilterFlags(fs *pflag.FlagSet, opts *filter.Options) {
	fs.StringArrayVar(&opts.IncludeHeader, "include-header", nil, "Regex allow-list applied to From/To/Subject (mutually exclusive with exclude flags)")
	fs.StringArrayVar(&opts.IncludeBody, "include-body", nil, "Regex allow-list applied to the extracted body (mutually exclusive with exclude flags)")
	fs.StringArrayVar(&opts.ExcludeHeader, "exclude-header", nil, "Regex block-list applied to From/To/Subject (mutually exclusive with include flags)")
	fs.StringArrayVar(&opts.ExcludeBody, "exclude-body", nil, "Regex block-list applied to the extracted body (mutually exclusive with include flags)")
}

func addExtractFlags(fs *pflag.FlagSet, opts *extract.Options) {
	fs.StringVar(&opts.Separator, "separator", "", "Text inserted between consecutive plain-text parts")
	fs.BoolVar(&opts.Links.TrimPunctuation, "trim-link-punctuation", false, "Strip trailing punctuation from extracted links")
}
