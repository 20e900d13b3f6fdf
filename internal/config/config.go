// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the forwarder.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/emersion/go-message/mail"
	"gopkg.in/yaml.v3"
)

const (
	defaultKeyPrefix        = "emails/"
	defaultConfigurationSet = "mailing-default"
)

// Store backends.
const (
	StoreS3  = "s3"
	StoreDir = "dir"
)

// SMTP relay TLS modes.
const (
	SMTPTLSStartTLS = "starttls"
	SMTPTLSImplicit = "tls"
	SMTPTLSNone     = "none"
)

// Relay providers.
const (
	ProviderSES    = "ses"
	ProviderSMTP   = "smtp"
	ProviderGraph  = "graph"
	ProviderStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	Forward     ForwardConfig `yaml:"forward"`
	Provider    string        `yaml:"provider"`
	Concurrency int           `yaml:"concurrency"`
	Store       StoreConfig   `yaml:"store"`
	SES         SESConfig     `yaml:"ses"`
	SMTP        SMTPConfig    `yaml:"smtp"`
	Graph       GraphConfig   `yaml:"graph"`
	DKIM        DKIMConfig    `yaml:"dkim"`
	Logging     LoggingConfig `yaml:"logging"`
}

// ForwardConfig holds the fixed forwarding identities applied to every
// message. All fields are required.
type ForwardConfig struct {
	BouncePath     string `yaml:"bounce_path"`
	ForwardAsName  string `yaml:"as_name"`
	ForwardAsEmail string `yaml:"as_email"`
	ForwardToName  string `yaml:"to_name"`
	ForwardToEmail string `yaml:"to_email"`
}

// StoreConfig selects where raw messages are read from.
type StoreConfig struct {
	Backend   string `yaml:"backend"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Dir       string `yaml:"dir"`
	KeyPrefix string `yaml:"key_prefix"`
	// DeleteAfterForward removes the source object once the relay accepted
	// the message. The delete uses the same key as the fetch.
	DeleteAfterForward bool `yaml:"delete_after_forward"`
}

// SESConfig holds AWS SES v2 relay configuration.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// SMTPConfig holds the outbound SMTP relay configuration.
type SMTPConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	HeloName string `yaml:"helo_name"`
	// TLSMode is "starttls" (default), "tls" for implicit TLS or "none".
	TLSMode string `yaml:"tls_mode"`
	// CAFile is a PEM bundle trusted for TLS instead of the system roots.
	CAFile string `yaml:"ca_file"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// DKIMConfig holds the optional DKIM signing key.
type DKIMConfig struct {
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate checks the whole configuration once at startup. Every missing
// setting is reported in a single error.
func (c *Config) Validate() error {
	missing := c.Forward.missing()

	switch c.Store.Backend {
	case StoreS3:
		if c.Store.Bucket == "" {
			missing = append(missing, "MAIL_BUCKET")
		}
	case StoreDir:
		if c.Store.Dir == "" {
			missing = append(missing, "MAIL_DIR")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Provider {
	case ProviderSES, ProviderStdout:
	case ProviderSMTP:
		if c.SMTP.Addr == "" {
			missing = append(missing, "SMTP_RELAY_ADDR")
		}

	case ProviderGraph:
		missing = append(missing, c.Graph.missing()...)
	default:
		return fmt.Errorf("unknown relay provider %q", c.Provider)
	}

	if c.DKIM.Domain != "" || c.DKIM.Selector != "" || c.DKIM.KeyFile != "" {
		missing = append(missing, c.DKIM.missing()...)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Provider == ProviderSMTP {
		switch c.SMTP.TLSMode {
		case "", SMTPTLSStartTLS, SMTPTLSImplicit, SMTPTLSNone:
		default:
			return fmt.Errorf("unknown SMTP relay TLS mode %q", c.SMTP.TLSMode)
		}
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}

	return c.Forward.validateAddresses()
}

// Validate checks that all forwarding settings are present and that the
// address settings are syntactically valid.
func (f ForwardConfig) Validate() error {
	if missing := f.missing(); len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return f.validateAddresses()
}

func (f ForwardConfig) missing() []string {
	var missing []string
	if f.BouncePath == "" {
		missing = append(missing, "FORWARD_BOUNCE_PATH")
	}
	if f.ForwardAsName == "" {
		missing = append(missing, "FORWARD_AS_NAME")
	}
	if f.ForwardAsEmail == "" {
		missing = append(missing, "FORWARD_AS_EMAIL")
	}
	if f.ForwardToName == "" {
		missing = append(missing, "FORWARD_TO_NAME")
	}
	if f.ForwardToEmail == "" {
		missing = append(missing, "FORWARD_TO_EMAIL")
	}
	return missing
}

func (f ForwardConfig) validateAddresses() error {
	var errs []error
	for _, v := range []struct{ key, addr string }{
		{"FORWARD_BOUNCE_PATH", f.BouncePath},
		{"FORWARD_AS_EMAIL", f.ForwardAsEmail},
		{"FORWARD_TO_EMAIL", f.ForwardToEmail},
	} {
		if _, err := mail.ParseAddress(v.addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid address %q: %w", v.key, v.addr, err))
		}
	}
	return errors.Join(errs...)
}

func (g GraphConfig) missing() []string {
	var missing []string
	if g.TenantID == "" {
		missing = append(missing, "GRAPH_TENANT_ID")
	}
	if g.ClientID == "" {
		missing = append(missing, "GRAPH_CLIENT_ID")
	}
	if g.ClientSecret == "" {
		missing = append(missing, "GRAPH_CLIENT_SECRET")
	}
	if g.Sender == "" {
		missing = append(missing, "GRAPH_SENDER")
	}
	return missing
}

func (d DKIMConfig) missing() []string {
	var missing []string
	if d.Domain == "" {
		missing = append(missing, "DKIM_DOMAIN")
	}
	if d.Selector == "" {
		missing = append(missing, "DKIM_SELECTOR")
	}
	if d.KeyFile == "" {
		missing = append(missing, "DKIM_KEY_FILE")
	}
	return missing
}

// DKIMEnabled returns true if a complete DKIM key configuration is set.
func (c *Config) DKIMEnabled() bool {
	return len(c.DKIM.missing()) == 0
}

// SMTPAuthEnabled returns true if both SMTP relay username and password are set.
func (c *Config) SMTPAuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// ObjectKey returns the blob store key holding the message with the given id.
func (c *Config) ObjectKey(id string) string {
	return c.Store.KeyPrefix + id
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Provider = ProviderSES
	c.Concurrency = 1
	c.Store.Backend = StoreS3
	c.Store.KeyPrefix = defaultKeyPrefix
	c.Store.DeleteAfterForward = true
	c.SES.ConfigurationSet = defaultConfigurationSet
	c.SMTP.TLSMode = SMTPTLSStartTLS
	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.Forward.BouncePath, "FORWARD_BOUNCE_PATH")
	setString(&c.Forward.ForwardAsName, "FORWARD_AS_NAME")
	setString(&c.Forward.ForwardAsEmail, "FORWARD_AS_EMAIL")
	setString(&c.Forward.ForwardToName, "FORWARD_TO_NAME")
	setString(&c.Forward.ForwardToEmail, "FORWARD_TO_EMAIL")

	if v := os.Getenv("RELAY_PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("FORWARD_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Concurrency = n
		}
	}

	if v := os.Getenv("STORE_BACKEND"); v != "" {
		c.Store.Backend = strings.ToLower(v)
	}
	setString(&c.Store.Bucket, "MAIL_BUCKET")
	setString(&c.Store.Region, "MAIL_BUCKET_REGION")
	setString(&c.Store.Dir, "MAIL_DIR")
	setString(&c.Store.KeyPrefix, "MAIL_KEY_PREFIX")
	if v := os.Getenv("MAIL_DELETE_AFTER_FORWARD"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Store.DeleteAfterForward = b
		}
	}

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.ConfigurationSet, "SES_CONFIGURATION_SET")

	setString(&c.SMTP.Addr, "SMTP_RELAY_ADDR")
	setString(&c.SMTP.Username, "SMTP_RELAY_USERNAME")
	setString(&c.SMTP.Password, "SMTP_RELAY_PASSWORD")
	setString(&c.SMTP.HeloName, "SMTP_RELAY_HELO")
	if v := os.Getenv("SMTP_RELAY_TLS"); v != "" {
		c.SMTP.TLSMode = strings.ToLower(v)
	}
	setString(&c.SMTP.CAFile, "SMTP_RELAY_CA_FILE")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")

	setString(&c.DKIM.Domain, "DKIM_DOMAIN")
	setString(&c.DKIM.Selector, "DKIM_SELECTOR")
	setString(&c.DKIM.KeyFile, "DKIM_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
