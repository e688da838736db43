package redstone

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func Env(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func CSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Duration reads a Go duration ("30s"); malformed values fall back to def.
func Duration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(Env(key, ""))
	if err != nil {
		return def
	}
	return d
}

func Int(key string, def int) int {
	n, err := strconv.Atoi(Env(key, ""))
	if err != nil {
		return def
	}
	return n
}

// Common holds the settings every service reads.
type Common struct {
	ServiceName  string
	HTTPPort     string
	DatabaseURL  string
	KafkaBrokers []string
	GroupID      string
	Topics       Topics
	Workers      int
	RetryLimit   int
	RetryMin     time.Duration
	RetryMax     time.Duration
	OutboxTick   time.Duration
}

func LoadCommon(service, port string) Common {
	return Common{
		ServiceName:  Env("SERVICE_NAME", service),
		HTTPPort:     Env("HTTP_PORT", port),
		DatabaseURL:  Env("DATABASE_URL", ""),
		KafkaBrokers: CSV(Env("KAFKA_BROKERS", "localhost:9092")),
		GroupID:      Env("KAFKA_GROUP_ID", service),
		Topics:       NewTopics(Env("KAFKA_TOPIC_PREFIX", "orderflow")),
		Workers:      Int("CONSUMER_WORKERS", 4),
		RetryLimit:   Int("RETRY_LIMIT", 5),
		RetryMin:     Duration("RETRY_MIN", time.Second),
		RetryMax:     Duration("RETRY_MAX", 30*time.Second),
		OutboxTick:   Duration("OUTBOX_INTERVAL", 400*time.Millisecond),
	}
}
