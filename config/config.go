package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Default analytical store table holding the raw query log.
const DefaultLogTable = "query_log_master"

type Config struct {
	MongoURI  string
	MongoDB   string
	NATSUrl   string
	HTTPAddr  string
	PublicURL string

	// Analytical store (Carto-style SQL over HTTP)
	CartoURL    string
	CartoAPIKey string
	MaxRetries  int
	RetryDelay  time.Duration

	// Reverse geocoding
	GeonamesURL  string
	GeonamesUser string

	// Remote repository host
	GitHubURL       string
	GitHubToken     string
	GitHubUserAgent string
	CommitterName   string
	CommitterEmail  string
	SandboxOrg      string
	SandboxRepo     string
	PublishDelay    time.Duration

	// Email notification
	SMTPAddr       string
	EmailSender    string
	EmailRecipient string
	EmailAdmins    []string

	// Pipeline tuning
	StageDeadline time.Duration
	AggregatePage int64
	PublishPage   int64
}

func Load() *Config {
	cfg := &Config{
		MongoURI:  getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:   getEnv("MONGO_DB", "usagestatsdb"),
		NATSUrl:   getEnv("NATS_URL", "nats://localhost:4222"),
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		PublicURL: getEnv("PUBLIC_URL", "http://tools-usagestats.vertnet.org"),

		CartoURL:    getEnv("CARTO_URL", "https://vertnet.carto.com/api/v2/sql"),
		CartoAPIKey: getEnv("CARTO_API_KEY", ""),
		MaxRetries:  getIntEnv("MAX_RETRIES", 3),
		RetryDelay:  getDurationEnv("RETRY_DELAY", "3s"),

		GeonamesURL:  getEnv("GEONAMES_URL", "http://api.geonames.org/countryCodeJSON"),
		GeonamesUser: getEnv("GEONAMES_USER", "vertnet"),

		GitHubURL:       getEnv("GITHUB_URL", "https://api.github.com"),
		GitHubToken:     getEnv("GITHUB_TOKEN", ""),
		GitHubUserAgent: getEnv("GITHUB_USER_AGENT", "VertNet"),
		CommitterName:   getEnv("COMMITTER_NAME", "VertNet"),
		CommitterEmail:  getEnv("COMMITTER_EMAIL", "vertnetinfo@vertnet.org"),
		SandboxOrg:      getEnv("SANDBOX_ORG", "VertNet"),
		SandboxRepo:     getEnv("SANDBOX_REPO", "statReports"),
		PublishDelay:    getDurationEnv("PUBLISH_DELAY", "2s"),

		SMTPAddr:       getEnv("SMTP_ADDR", "localhost:25"),
		EmailSender:    getEnv("EMAIL_SENDER", "VertNet Tools - Usage Stats <vertnetinfo@vertnet.org>"),
		EmailRecipient: getEnv("EMAIL_RECIPIENT", "tuco@berkeley.edu"),
		EmailAdmins:    []string{"dbloom@vertnet.org", "tuco@berkeley.edu"},

		StageDeadline: getDurationEnv("STAGE_DEADLINE", "9m"),
		AggregatePage: int64(getIntEnv("AGGREGATE_PAGE_SIZE", 10)),
		PublishPage:   int64(getIntEnv("PUBLISH_PAGE_SIZE", 1)),
	}

	if cfg.CartoAPIKey == "" {
		log.Println("Warning: CARTO_API_KEY is not set, analytical queries will fail")
	}
	if cfg.GitHubToken == "" {
		log.Println("Warning: GITHUB_TOKEN is not set, publishing will fail")
	}

	log.Printf("Config loaded - StageDeadline: %v, RetryDelay: %v, PublishDelay: %v",
		cfg.StageDeadline, cfg.RetryDelay, cfg.PublishDelay)

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue string) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
