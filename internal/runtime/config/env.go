package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays NSAI_* environment variables onto cfg. Unparseable values
// are ignored and the existing setting is kept.
func FromEnv(cfg *Config) {
	setString(&cfg.NATSURL, "NSAI_NATS_URL")
	setString(&cfg.StreamName, "NSAI_STREAM")
	setString(&cfg.Subject, "NSAI_SUBJECT")
	setString(&cfg.DurableName, "NSAI_DURABLE")
	setString(&cfg.FactsBucket, "NSAI_FACTS_BUCKET")
	setString(&cfg.VerdictSubject, "NSAI_VERDICT_SUBJECT")

	setInt(&cfg.MetricsPort, "NSAI_METRICS_PORT")
	setInt(&cfg.ConnectRetries, "NSAI_CONNECT_RETRIES")
	setInt(&cfg.MaxDeliver, "NSAI_MAX_DELIVER")
	setInt(&cfg.PullBatchSize, "NSAI_PULL_BATCH")

	setDuration(&cfg.ConnectRetryWait, "NSAI_CONNECT_RETRY_WAIT")
	setDuration(&cfg.AckWait, "NSAI_ACK_WAIT")
	setDuration(&cfg.PullExpiry, "NSAI_PULL_EXPIRY")
	setDuration(&cfg.ErrorBackoff, "NSAI_ERROR_BACKOFF")
	setDuration(&cfg.ErrorBackoffMax, "NSAI_ERROR_BACKOFF_MAX")
	setDuration(&cfg.StageTimeout, "NSAI_STAGE_TIMEOUT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
