package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nikolasgian10/cidades-sub000/internal/models"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	Port           string
	StoreDriver    string
	DatabaseURL    string
	SQLitePath     string
	Session        string
	Counters       []models.Counter
	CategoriesFile string
	PriorityFirst  bool
	TimeZone       string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PanelPrefix   string

	AMQPURL   string
	AMQPQueue string

	PrintProvider string
	PrintURL      string
	PrintToken    string

	RelayInterval  time.Duration
	RelayBatchSize int

	RateLimitPerMinute int
	RateLimitBurst     int

	// TrustProxy keys rate limits on X-Forwarded-For. Only set it behind a proxy
	// that overwrites the header.
	TrustProxy bool

	// Ticket issuing gets its own, stricter bucket per client.
	IssuePerMinute int
	IssueBurst     int

	LogLevel  string
	LogFormat string
}

// LoadEnvFile loads a dotenv file into the environment. Variables already set
// win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads the environment. It does not validate, so callers can apply
// overrides first and then call Validate.
func Load() (Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	session := os.Getenv("QUEUE_SESSION")
	if session == "" {
		session = uuid.NewString()
	}
	counters, err := ParseCounters(readString("QUEUE_COUNTERS", "1:Atendente 1,2:Atendente 2,3:Atendente 3"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:           port,
		StoreDriver:    strings.ToLower(readString("STORE_DRIVER", StoreMemory)),
		DatabaseURL:    os.Getenv("DB_DSN"),
		SQLitePath:     readString("SQLITE_PATH", "queue.db"),
		Session:        session,
		Counters:       counters,
		CategoriesFile: os.Getenv("CATEGORIES_FILE"),
		PriorityFirst:  readBool("QUEUE_PRIORITY_FIRST", false),
		TimeZone:       readString("DISPLAY_TZ", "Local"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       readInt("REDIS_DB", 0),
		PanelPrefix:   readString("PANEL_PREFIX", "cidade:panel"),

		AMQPURL:   os.Getenv("AMQP_URL"),
		AMQPQueue: readString("AMQP_QUEUE", "cidade.queue.events"),

		PrintProvider: readString("PRINT_PROVIDER", "log"),
		PrintURL:      os.Getenv("PRINT_WEBHOOK_URL"),
		PrintToken:    os.Getenv("PRINT_WEBHOOK_TOKEN"),

		RelayInterval:  readDurationMillis("RELAY_INTERVAL_MS", 500),
		RelayBatchSize: readInt("RELAY_BATCH_SIZE", 100),

		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
		TrustProxy:         readBool("TRUST_PROXY", false),
		IssuePerMinute:     readInt("RATE_LIMIT_ISSUE_PER_MIN", 20),
		IssueBurst:         readInt("RATE_LIMIT_ISSUE_BURST", 5),

		LogLevel:  readString("LOG_LEVEL", "info"),
		LogFormat: readString("LOG_FORMAT", "json"),
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DB_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if len(c.Counters) == 0 {
		return errors.New("at least one counter is required")
	}
	return nil
}

// Location resolves TimeZone, falling back to the local zone.
func (c Config) Location() *time.Location {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ParseCounters reads "1:Maria Silva,2:João Souza". The attendant is optional.
func ParseCounters(raw string) ([]models.Counter, error) {
	var counters []models.Counter
	seen := map[int]bool{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		idPart, attendant, _ := strings.Cut(item, ":")
		id, err := strconv.Atoi(strings.TrimSpace(idPart))
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid counter %q", item)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate counter %d", id)
		}
		seen[id] = true
		counters = append(counters, models.Counter{
			CounterID: id,
			Attendant: strings.TrimSpace(attendant),
			Status:    models.CounterFree,
		})
	}
	return counters, nil
}

func readString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func readDurationMillis(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
