// Package config implements mtad's configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all of mtad's tunables, loaded from a TOML file and
// optionally overlaid with a TOML fragment passed on the command line.
//
type Config struct {
	Hostname string `toml:"hostname"`

	MaxDataSizeMB int64 `toml:"max_data_size_mb"`

	SMTPAddress              []string `toml:"smtp_address"`
	SubmissionAddress        []string `toml:"submission_address"`
	SubmissionOverTLSAddress []string `toml:"submission_over_tls_address"`

	MonitoringAddress string `toml:"monitoring_address"`

	MailDeliveryAgentBin  string   `toml:"mail_delivery_agent_bin"`
	MailDeliveryAgentArgs []string `toml:"mail_delivery_agent_args"`

	DataDir string `toml:"data_dir"`

	SuffixSeparators *string `toml:"suffix_separators"`
	DropCharacters   *string `toml:"drop_characters"`

	MailLogPath string `toml:"mail_log_path"`

	DovecotAuth       bool   `toml:"dovecot_auth"`
	DovecotUserdbPath string `toml:"dovecot_userdb_path"`
	DovecotClientPath string `toml:"dovecot_client_path"`

	HaproxyIncoming bool `toml:"haproxy_incoming"`

	MaxQueueItems int `toml:"max_queue_items"`

	// Receiver tuning: recipient ceiling, per-phase timeouts, and the
	// error budget.
	MaxRecipients  int    `toml:"max_recipients"`
	CommandTimeout string `toml:"command_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	SoftErrorLimit int    `toml:"soft_error_limit"`
	HardErrorLimit int    `toml:"hard_error_limit"`
	SoftErrorDelay string `toml:"soft_error_delay"`

	AllowPlaintextAuth bool `toml:"allow_plaintext_auth"`

	// Reply-text overrides, keyed by the reply code ("550" etc).
	Replies map[string]string `toml:"replies"`

	// Delivery: how local recipients are stored, where remote mail goes,
	// and the deferred queue's retry policy.
	LocalTransfer       string   `toml:"local_transfer"`
	MboxDir             string   `toml:"mbox_dir"`
	MaildirRoot         string   `toml:"maildir_root"`
	SmartHost           []string `toml:"smarthost"`
	DeferredRetryPeriod string   `toml:"deferred_retry_period"`
	DeferredRetryMax    int      `toml:"deferred_retry_max"`

	// PolicyDir is the directory the policy engine loads its per-checkpoint
	// Lua scripts from. Empty disables the policy engine entirely (every
	// checkpoint is a no-op Accept).
	PolicyDir string `toml:"policy_dir"`

	// RedisAddr, if set, enables cross-process message-id duplicate
	// suppression via github.com/redis/go-redis/v9.
	RedisAddr string `toml:"redis_addr"`
}

func strPtr(s string) *string { return &s }

var defaultConfig = Config{
	MaxDataSizeMB: 50,

	SMTPAddress:              []string{"systemd"},
	SubmissionAddress:        []string{"systemd"},
	SubmissionOverTLSAddress: []string{"systemd"},

	MailDeliveryAgentBin:  "maildrop",
	MailDeliveryAgentArgs: []string{"-f", "%from%", "-d", "%to_user%"},

	DataDir: "/var/lib/mtad",

	SuffixSeparators: strPtr("+"),
	DropCharacters:   strPtr("."),

	MailLogPath: "<syslog>",

	MaxQueueItems: 200,

	MaxRecipients:  100,
	CommandTimeout: "1m",
	DataTimeout:    "10m",
	SoftErrorLimit: 5,
	HardErrorLimit: 10,
	SoftErrorDelay: "3s",

	LocalTransfer: "maildir",
	MboxDir:       "/var/mail",
	MaildirRoot:   "/home/%user%/Maildir",

	DeferredRetryPeriod: "10m",
	DeferredRetryMax:    120,
}

// Load the config from the given file, with the given TOML overrides
// fragment applied on top.
func Load(path, overrides string) (*Config, error) {
	c := defaultConfig

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
	}

	fromFile := Config{}
	if err := toml.Unmarshal(buf, &fromFile); err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}
	override(&c, &fromFile)

	if overrides != "" {
		fromOverrides := Config{}
		if err := toml.Unmarshal([]byte(overrides), &fromOverrides); err != nil {
			return nil, fmt.Errorf("parsing override: %v", err)
		}
		override(&c, &fromOverrides)
	}

	// Handle hostname separately: if set, we don't need to call os.Hostname,
	// which can fail.
	if c.Hostname == "" {
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
	}

	for name, v := range map[string]string{
		"command_timeout":       c.CommandTimeout,
		"data_timeout":          c.DataTimeout,
		"soft_error_delay":      c.SoftErrorDelay,
		"deferred_retry_period": c.DeferredRetryPeriod,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("invalid %s value %q: %v", name, v, err)
		}
	}

	return &c, nil
}

// override copies fields set in o onto c. We don't use a generic merge
// because the semantics (zero value means "not set") need to be explicit
// per field.
func override(c, o *Config) {
	if o.Hostname != "" {
		c.Hostname = o.Hostname
	}
	if o.MaxDataSizeMB > 0 {
		c.MaxDataSizeMB = o.MaxDataSizeMB
	}
	if len(o.SMTPAddress) > 0 {
		c.SMTPAddress = o.SMTPAddress
	}
	if len(o.SubmissionAddress) > 0 {
		c.SubmissionAddress = o.SubmissionAddress
	}
	if len(o.SubmissionOverTLSAddress) > 0 {
		c.SubmissionOverTLSAddress = o.SubmissionOverTLSAddress
	}
	if o.MonitoringAddress != "" {
		c.MonitoringAddress = o.MonitoringAddress
	}

	if o.MailDeliveryAgentBin != "" {
		c.MailDeliveryAgentBin = o.MailDeliveryAgentBin
	}
	if len(o.MailDeliveryAgentArgs) > 0 {
		c.MailDeliveryAgentArgs = o.MailDeliveryAgentArgs
	}

	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}

	if o.SuffixSeparators != nil {
		c.SuffixSeparators = o.SuffixSeparators
	}
	if o.DropCharacters != nil {
		c.DropCharacters = o.DropCharacters
	}
	if o.MailLogPath != "" {
		c.MailLogPath = o.MailLogPath
	}

	if o.DovecotAuth {
		c.DovecotAuth = true
	}
	if o.DovecotUserdbPath != "" {
		c.DovecotUserdbPath = o.DovecotUserdbPath
	}
	if o.DovecotClientPath != "" {
		c.DovecotClientPath = o.DovecotClientPath
	}

	if o.HaproxyIncoming {
		c.HaproxyIncoming = true
	}

	if o.MaxQueueItems > 0 {
		c.MaxQueueItems = o.MaxQueueItems
	}

	if o.MaxRecipients > 0 {
		c.MaxRecipients = o.MaxRecipients
	}
	if o.CommandTimeout != "" {
		c.CommandTimeout = o.CommandTimeout
	}
	if o.DataTimeout != "" {
		c.DataTimeout = o.DataTimeout
	}
	if o.SoftErrorLimit != 0 {
		c.SoftErrorLimit = o.SoftErrorLimit
	}
	if o.HardErrorLimit != 0 {
		c.HardErrorLimit = o.HardErrorLimit
	}
	if o.SoftErrorDelay != "" {
		c.SoftErrorDelay = o.SoftErrorDelay
	}
	if o.AllowPlaintextAuth {
		c.AllowPlaintextAuth = true
	}
	if len(o.Replies) > 0 {
		if c.Replies == nil {
			c.Replies = map[string]string{}
		}
		for code, text := range o.Replies {
			c.Replies[code] = text
		}
	}

	if o.LocalTransfer != "" {
		c.LocalTransfer = o.LocalTransfer
	}
	if o.MboxDir != "" {
		c.MboxDir = o.MboxDir
	}
	if o.MaildirRoot != "" {
		c.MaildirRoot = o.MaildirRoot
	}
	if len(o.SmartHost) > 0 {
		c.SmartHost = o.SmartHost
	}
	if o.DeferredRetryPeriod != "" {
		c.DeferredRetryPeriod = o.DeferredRetryPeriod
	}
	if o.DeferredRetryMax > 0 {
		c.DeferredRetryMax = o.DeferredRetryMax
	}

	if o.PolicyDir != "" {
		c.PolicyDir = o.PolicyDir
	}
	if o.RedisAddr != "" {
		c.RedisAddr = o.RedisAddr
	}
}

// LogConfig logs the given configuration, in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Max data size (MB): %d", c.MaxDataSizeMB)
	log.Infof("  SMTP Addresses: %q", c.SMTPAddress)
	log.Infof("  Submission Addresses: %q", c.SubmissionAddress)
	log.Infof("  Submission+TLS Addresses: %q", c.SubmissionOverTLSAddress)
	log.Infof("  Monitoring address: %q", c.MonitoringAddress)
	log.Infof("  MDA: %q %q", c.MailDeliveryAgentBin, c.MailDeliveryAgentArgs)
	log.Infof("  Data directory: %q", c.DataDir)
	if c.SuffixSeparators == nil {
		log.Infof("  Suffix separators: nil")
	} else {
		log.Infof("  Suffix separators: %q", *c.SuffixSeparators)
	}
	if c.DropCharacters == nil {
		log.Infof("  Drop characters: nil")
	} else {
		log.Infof("  Drop characters: %q", *c.DropCharacters)
	}
	log.Infof("  Mail log: %q", c.MailLogPath)
	log.Infof("  Dovecot auth: %v (%q, %q)",
		c.DovecotAuth, c.DovecotUserdbPath, c.DovecotClientPath)
	log.Infof("  HAProxy incoming: %v", c.HaproxyIncoming)
	log.Infof("  Max queue items: %d", c.MaxQueueItems)
	log.Infof("  Max recipients: %d", c.MaxRecipients)
	log.Infof("  Local transfer: %q", c.LocalTransfer)
	log.Infof("  Smarthost: %q", c.SmartHost)
	log.Infof("  Deferred retries: every %s, max %d",
		c.DeferredRetryPeriod, c.DeferredRetryMax)
	log.Infof("  Policy dir: %q", c.PolicyDir)
	log.Infof("  Redis: %q", c.RedisAddr)
}

// Duration returns the given pre-validated duration string; the load path
// checks these, so we know they are well formed.
func Duration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}

// ReplyOverrides converts the string-keyed replies table into the
// code-keyed map the receiver takes. Keys that do not start with a positive
// number are silently ignored.
func (c *Config) ReplyOverrides() map[int]string {
	if len(c.Replies) == 0 {
		return nil
	}
	out := map[int]string{}
	for k, v := range c.Replies {
		var code int
		if _, err := fmt.Sscanf(k, "%d", &code); err == nil && code > 0 {
			out[code] = v
		}
	}
	return out
}
