// Package config handles application configuration from command-line flags
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"

	"feedsync/internal/model"
)

// ErrHelp is returned by Load when the user asked for usage output.
var ErrHelp = errors.New("help requested")

type rawConfig struct {
	ServerURL    string `long:"server-url" env:"FEEDSYNC_SERVER_URL" description:"Base URL of the feed server" required:"true"`
	DatabasePath string `long:"db" env:"FEEDSYNC_DB" default:"./data/feedsync.db" description:"Path to the local SQLite database"`
	LogLevel     string `long:"log-level" env:"FEEDSYNC_LOG_LEVEL" default:"info" description:"Log level (debug, info, warn, error)"`
	UserAgent    string `long:"user-agent" env:"FEEDSYNC_USER_AGENT" default:"feedsync/1.0" description:"User agent for server requests"`

	PollSeconds    int    `long:"poll-interval" env:"FEEDSYNC_POLL_SECONDS" default:"5" description:"Status poll interval in seconds"`
	CoalesceMillis int    `long:"coalesce-delay" env:"FEEDSYNC_COALESCE_MS" default:"150" description:"Action coalescing window in milliseconds"`
	MaxBatchSize   int    `long:"max-batch" env:"FEEDSYNC_MAX_BATCH" default:"50" description:"Maximum actions per batch request"`
	MaxRetries     int    `long:"max-retries" env:"FEEDSYNC_MAX_RETRIES" default:"3" description:"Delivery attempts before parking the batch"`
	RetryMillis    int    `long:"retry-delay" env:"FEEDSYNC_RETRY_MS" default:"1000" description:"Base retry delay in milliseconds (scales linearly per attempt)"`
	MaxRetained    int    `long:"max-retained" env:"FEEDSYNC_MAX_RETAINED" default:"200" description:"Maximum items kept in memory"`
	PageLimit      int    `long:"page-limit" env:"FEEDSYNC_PAGE_LIMIT" default:"50" description:"Items requested per page"`
	Sort           string `long:"sort" env:"FEEDSYNC_SORT" default:"newest" description:"Initial sort order (newest or oldest)" choice:"newest" choice:"oldest"`
}

// Config holds the application configuration.
type Config struct {
	ServerURL    string
	DatabasePath string
	LogLevel     string
	UserAgent    string

	PollInterval  time.Duration
	CoalesceDelay time.Duration
	MaxBatchSize  int
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetained   int
	PageLimit     int
	Sort          model.SortKey
}

// Load parses configuration from the given command-line arguments and the
// environment. Pass os.Args[1:] in production.
func Load(args []string) (*Config, error) {
	var raw rawConfig

	parser := flags.NewParser(&raw, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, ErrHelp
		}
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	if raw.MaxBatchSize < 1 {
		return nil, fmt.Errorf("max-batch must be positive, got %d", raw.MaxBatchSize)
	}
	if raw.PageLimit < 1 {
		return nil, fmt.Errorf("page-limit must be positive, got %d", raw.PageLimit)
	}

	return &Config{
		ServerURL:     raw.ServerURL,
		DatabasePath:  raw.DatabasePath,
		LogLevel:      raw.LogLevel,
		UserAgent:     raw.UserAgent,
		PollInterval:  time.Duration(raw.PollSeconds) * time.Second,
		CoalesceDelay: time.Duration(raw.CoalesceMillis) * time.Millisecond,
		MaxBatchSize:  raw.MaxBatchSize,
		MaxRetries:    raw.MaxRetries,
		RetryDelay:    time.Duration(raw.RetryMillis) * time.Millisecond,
		MaxRetained:   raw.MaxRetained,
		PageLimit:     raw.PageLimit,
		Sort:          model.SortKey(raw.Sort),
	}, nil
}
