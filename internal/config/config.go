// Package config loads listener settings: tuning from an optional YAML
// file, connection details and secrets from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	envIMAPHost       = "IDLEWATCH_IMAP_HOST"
	envIMAPPort       = "IDLEWATCH_IMAP_PORT"
	envIMAPUser       = "IDLEWATCH_IMAP_USER"
	envIMAPPass       = "IDLEWATCH_IMAP_PASS"
	envMailbox        = "IDLEWATCH_MAILBOX"
	envCheckFrequency = "IDLEWATCH_CHECK_FREQUENCY"
	envLogLevel       = "IDLEWATCH_LOG_LEVEL"
	envWebhookURL     = "IDLEWATCH_WEBHOOK_URL"
	envOTLPEndpoint   = "IDLEWATCH_OTLP_ENDPOINT"
	envOTelStdout     = "IDLEWATCH_OTEL_STDOUT"
)

const (
	defaultMailbox        = "INBOX"
	defaultCheckFrequency = 29 // minutes; below the common server limit
	defaultAckTimeout     = 5 * time.Second
	defaultCoalesce       = 2 * time.Second
	defaultBackoffInitial = 2 * time.Second
	defaultBackoffMax     = 5 * time.Minute
)

// Settings holds non-secret tuning, loaded from YAML with env overrides
// for the fields operators most often flip per deployment.
type Settings struct {
	Mailbox            string `yaml:"mailbox"`
	CheckFrequencyMins int    `yaml:"check_frequency_minutes"`
	AckTimeout         string `yaml:"ack_timeout"`
	CoalesceWindow     string `yaml:"coalesce_window"`
	BackoffInitial     string `yaml:"backoff_initial"`
	BackoffMax         string `yaml:"backoff_max"`
	SweepUnseen        bool   `yaml:"sweep_unseen"`
	MarkSeen           bool   `yaml:"mark_seen"`
	StatusAddr         string `yaml:"status_addr"`
}

// IMAPEnv holds the connection details from environment variables.
type IMAPEnv struct {
	Host string
	Port int
	User string
	Pass string
}

// Load reads Settings from path ("" uses defaults only) and applies
// environment overrides for mailbox and check frequency.
func Load(path string) (Settings, error) {
	s := Settings{
		Mailbox:            defaultMailbox,
		CheckFrequencyMins: defaultCheckFrequency,
	}

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, err
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, err
		}
		if strings.TrimSpace(s.Mailbox) == "" {
			s.Mailbox = defaultMailbox
		}
		if s.CheckFrequencyMins == 0 {
			s.CheckFrequencyMins = defaultCheckFrequency
		}
	}

	if v := strings.TrimSpace(os.Getenv(envMailbox)); v != "" {
		s.Mailbox = v
	}
	if v := strings.TrimSpace(os.Getenv(envCheckFrequency)); v != "" {
		mins, err := strconv.Atoi(v)
		if err != nil {
			return Settings{}, errors.Wrapf(err, "invalid %s", envCheckFrequency)
		}
		s.CheckFrequencyMins = mins
	}

	return s, nil
}

// Validate rejects settings the listener cannot run with. Configuration
// faults are fatal at startup, never discovered at runtime.
func (s Settings) Validate() error {
	if s.CheckFrequencyMins <= 0 {
		return errors.New("check_frequency_minutes must be positive")
	}
	for name, value := range map[string]string{
		"ack_timeout":     s.AckTimeout,
		"coalesce_window": s.CoalesceWindow,
		"backoff_initial": s.BackoffInitial,
		"backoff_max":     s.BackoffMax,
	} {
		if strings.TrimSpace(value) == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", name)
		}
		if d < 0 {
			return errors.Errorf("%s must not be negative", name)
		}
	}
	if s.BackoffMaxDuration() < s.BackoffInitialDuration() {
		return errors.New("backoff_max must be at least backoff_initial")
	}
	return nil
}

// IdleDuration is the IDLE refresh interval.
func (s Settings) IdleDuration() time.Duration {
	return time.Duration(s.CheckFrequencyMins) * time.Minute
}

func duration(value string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// AckTimeoutDuration bounds the IDLE/DONE acknowledgement waits.
func (s Settings) AckTimeoutDuration() time.Duration {
	return duration(s.AckTimeout, defaultAckTimeout)
}

// CoalesceWindowDuration is how long a cycle absorbs notification bursts.
func (s Settings) CoalesceWindowDuration() time.Duration {
	return duration(s.CoalesceWindow, defaultCoalesce)
}

// BackoffInitialDuration is the first reconnect delay.
func (s Settings) BackoffInitialDuration() time.Duration {
	return duration(s.BackoffInitial, defaultBackoffInitial)
}

// BackoffMaxDuration caps reconnect delays.
func (s Settings) BackoffMaxDuration() time.Duration {
	return duration(s.BackoffMax, defaultBackoffMax)
}

// IMAPEnvFromEnv loads connection details and reports every missing
// variable at once.
func IMAPEnvFromEnv() (IMAPEnv, error) {
	missing := []string{}

	host := strings.TrimSpace(os.Getenv(envIMAPHost))
	if host == "" {
		missing = append(missing, envIMAPHost)
	}

	portRaw := strings.TrimSpace(os.Getenv(envIMAPPort))
	if portRaw == "" {
		missing = append(missing, envIMAPPort)
	}

	user := strings.TrimSpace(os.Getenv(envIMAPUser))
	if user == "" {
		missing = append(missing, envIMAPUser)
	}

	pass := os.Getenv(envIMAPPass)
	if pass == "" {
		missing = append(missing, envIMAPPass)
	}

	if len(missing) > 0 {
		return IMAPEnv{}, errors.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return IMAPEnv{}, errors.Wrapf(err, "invalid %s", envIMAPPort)
	}

	return IMAPEnv{Host: host, Port: port, User: user, Pass: pass}, nil
}

// LogLevel maps the env var to an slog level, defaulting to info.
func LogLevel() slog.Level {
	switch strings.ToUpper(strings.TrimSpace(os.Getenv(envLogLevel))) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WebhookURL returns the announcement webhook base URL, empty when
// reporting is disabled.
func WebhookURL() string {
	return strings.TrimSpace(os.Getenv(envWebhookURL))
}

// OTLPEndpoint returns the collector host for telemetry export.
func OTLPEndpoint() string {
	return strings.TrimSpace(os.Getenv(envOTLPEndpoint))
}

// OTelStdout reports whether log records should go to stdout via the
// OTel pipeline instead of OTLP.
func OTelStdout() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(envOTelStdout)))
	return v == "1" || v == "true" || v == "yes"
}

// Summary returns a concise rundown for check-config runs.
func Summary(s Settings) string {
	reporting := "disabled"
	if WebhookURL() != "" {
		reporting = "enabled"
	}
	return fmt.Sprintf(
		"Config summary\n"+
			"- mailbox: %s\n"+
			"- check frequency: %dm\n"+
			"- coalesce window: %s\n"+
			"- unseen sweep: %t\n"+
			"- mark seen: %t\n"+
			"- status server: %s\n"+
			"- announcement webhook: %s",
		s.Mailbox,
		s.CheckFrequencyMins,
		s.CoalesceWindowDuration(),
		s.SweepUnseen,
		s.MarkSeen,
		defaultIfEmpty(s.StatusAddr, "(not set)"),
		reporting,
	)
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
