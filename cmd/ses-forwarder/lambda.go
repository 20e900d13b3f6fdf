package main

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"github.com/shineum/ses-forwarder/internal/forwarder"
)

// lambdaRuntimeEnv is set by the Lambda runtime in every function sandbox.
const lambdaRuntimeEnv = "AWS_LAMBDA_RUNTIME_API"

var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Run as an AWS Lambda function triggered by SES receipt events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLambda(cmd.Context())
	},
}

// startLambda hands the handler to the Lambda runtime and blocks.
var startLambda = func(h *handler) {
	lambda.Start(h.Handle)
}

func runLambda(ctx context.Context) error {
	fwd, err := newForwarder(ctx, cfg, logger)
	if err != nil {
		return err
	}

	h := &handler{forwarder: fwd, logger: logger}
	logger.Info("starting lambda handler")
	startLambda(h)
	return nil
}

// batchForwarder is the part of *forwarder.Forwarder used by handler.
type batchForwarder interface {
	ForwardBatch(ctx context.Context, ids []string) []forwarder.Outcome
}

// handler processes SES receipt events.
type handler struct {
	forwarder batchForwarder
	logger    *slog.Logger
}

// Handle forwards every message named in the event. Per-message failures
// are logged and never fail the invocation; the event is returned as
// received.
func (h *handler) Handle(ctx context.Context, event events.SimpleEmailEvent) (events.SimpleEmailEvent, error) {
	ids := messageIDs(event)
	if len(ids) == 0 {
		h.logger.Warn("event contains no messages", "records", len(event.Records))
		return event, nil
	}

	outcomes := h.forwarder.ForwardBatch(ctx, ids)

	forwarded := 0
	for _, out := range outcomes {
		if out.Forwarded() {
			forwarded++
		}
	}
	h.logger.Info("event processed",
		"messages", len(ids),
		"forwarded", forwarded,
		"failed", len(ids)-forwarded,
	)

	return event, nil
}

// messageIDs collects the SES message ids of all records, skipping records
// without one.
func messageIDs(event events.SimpleEmailEvent) []string {
	ids := make([]string, 0, len(event.Records))
	for _, record := range event.Records {
		// SES names the stored object after mail.messageId, not the
		// Message-ID header found in commonHeaders.
		if id := record.SES.Mail.MessageID; id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
