package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/ses-forwarder/internal/config"
	"github.com/shineum/ses-forwarder/internal/parser"
	"github.com/shineum/ses-forwarder/internal/rewrite"
)

var rewriteCmd = &cobra.Command{
	Use:   "rewrite [FILE]",
	Short: "Rewrite a raw message and print the forwarded copy",
	Long: `Reads a raw RFC 5322 message from FILE (or stdin when FILE is omitted or
"-"), applies the forwarding rewrite and writes the result to stdout. Nothing
is fetched, sent or deleted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Forward.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		raw, err := io.ReadAll(in)
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}

		out, err := rewriteRaw(raw, cfg.Forward)
		if err != nil {
			return err
		}

		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

// rewriteRaw runs decode, rewrite and encode on one raw message.
func rewriteRaw(raw []byte, fwd config.ForwardConfig) ([]byte, error) {
	msg, err := parser.Decode(raw)
	if err != nil {
		return nil, err
	}

	rewritten, err := rewrite.Rewrite(msg, fwd)
	if err != nil {
		return nil, err
	}

	return parser.Encode(rewritten)
}
