package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shineum/ses-forwarder/internal/dkim"
)

// zoneChunk is the longest character-string a TXT record may carry.
const zoneChunk = 255

var dkimRecordCmd = &cobra.Command{
	Use:   "dkim-record",
	Short: "Print the DNS TXT record for the configured DKIM key",
	Long: `Loads the key named by DKIM_KEY_FILE and prints the TXT record to publish
under <selector>._domainkey.<domain>, in zone file syntax.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.DKIMEnabled() {
			return fmt.Errorf("DKIM is not configured: set DKIM_DOMAIN, DKIM_SELECTOR and DKIM_KEY_FILE")
		}

		signer, err := dkim.NewSigner(cfg.DKIM.Domain, cfg.DKIM.Selector, cfg.DKIM.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load DKIM key: %w", err)
		}

		name, value, err := signer.DNSRecord()
		if err != nil {
			return err
		}

		return writeTXTRecord(cmd.OutOrStdout(), name, value)
	},
}

// writeTXTRecord writes one zone file TXT entry, splitting value into
// quoted strings of at most zoneChunk bytes.
func writeTXTRecord(w io.Writer, name, value string) error {
	var chunks []string
	for len(value) > zoneChunk {
		chunks = append(chunks, value[:zoneChunk])
		value = value[zoneChunk:]
	}
	chunks = append(chunks, value)

	_, err := fmt.Fprintf(w, "%s. IN TXT ( \"%s\" )\n", name, strings.Join(chunks, "\" \""))
	return err
}
