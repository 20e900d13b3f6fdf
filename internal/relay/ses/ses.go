// Package ses implements a Relay that submits raw messages via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/ses-forwarder/internal/relay"
)

// Config holds the configuration for creating a Relay.
type Config struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	ConfigurationSet string
}

// Relay sends raw messages through the AWS SES v2 API.
type Relay struct {
	configurationSet string
	client           SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new Relay with the given configuration.
func New(ctx context.Context, cfg Config) (*Relay, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.ConfigurationSet, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Relay with a custom client, used for testing.
func NewWithClient(configurationSet string, client SendEmailAPI) *Relay {
	return &Relay{
		configurationSet: configurationSet,
		client:           client,
	}
}

// Send submits the raw message in a single SendEmail call. Header fields
// inside raw are used as-is; the envelope supplies the destinations and
// the address that receives bounce and complaint feedback.
func (r *Relay) Send(ctx context.Context, env relay.Envelope, raw []byte) error {
	input := &sesv2.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: env.To,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: raw,
			},
		},
	}
	if env.From != "" {
		input.FeedbackForwardingEmailAddress = aws.String(env.From)
	}
	if r.configurationSet != "" {
		input.ConfigurationSetName = aws.String(r.configurationSet)
	}

	if _, err := r.client.SendEmail(ctx, input); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return &relay.RejectError{
				Relay:  r.Name(),
				Reason: fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage()),
				Err:    err,
			}
		}
		return relay.Reject(r.Name(), err)
	}

	return nil
}

// Name returns the relay name.
func (r *Relay) Name() string {
	return "ses"
}
