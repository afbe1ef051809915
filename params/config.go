package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Node struct {
	// DBPath is the Pebble database directory.
	DBPath string
	// LogFile receives the structured log alongside stdout.
	LogFile string
}

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Venue struct {
	// BaseURL of the venue's REST API (oracle, margin ledger, execution).
	BaseURL string
	// Timeout for a single venue query.
	Timeout time.Duration
}

type Tick struct {
	// Interval between trigger-evaluation passes over the pending indexes.
	//
	// Recommended values:
	//   - Devnet:     1s (fast feedback while testing triggers)
	//   - Production: 5s (pending orders tolerate a few seconds of latency,
	//     and every tick costs one full venue query per pending order)
	Interval time.Duration
}

type Config struct {
	Node  Node
	API   API
	Venue Venue
	Tick  Tick
}

func Default() Config {
	return Config{
		Node: Node{
			DBPath:  "data/orders",
			LogFile: "data/condord.log",
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Venue: Venue{
			BaseURL: "http://localhost:9090",
			Timeout: 5 * time.Second,
		},
		Tick: Tick{
			Interval: 5 * time.Second,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Node.DBPath = getEnv("DB_PATH", cfg.Node.DBPath)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.Venue.BaseURL = getEnv("VENUE_URL", cfg.Venue.BaseURL)

	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		// Example: "http://localhost:3000,https://app.example.com"
		cfg.API.AllowedOrigins = strings.Split(origins, ",")
	}

	if timeout := os.Getenv("VENUE_TIMEOUT_MS"); timeout != "" {
		if ms, err := strconv.Atoi(timeout); err == nil {
			cfg.Venue.Timeout = time.Duration(ms) * time.Millisecond
		}
	}

	if interval := os.Getenv("TICK_INTERVAL_MS"); interval != "" {
		if ms, err := strconv.Atoi(interval); err == nil {
			cfg.Tick.Interval = time.Duration(ms) * time.Millisecond
		}
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
