package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all run settings, populated from environment variables.
type Config struct {
	// Incident database connection. Host, port, name, user and password
	// have no defaults and must be set.
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	IncidentTable string
	IncidentLimit int

	// GRIB2 archive source (public S3 bucket).
	GribBucket  string
	GribRegion  string
	GribProduct string

	// NetCDF raster source (IEM raster2netcdf endpoint).
	NetCDFBaseURL string
	NetCDFProduct string

	DataDir   string
	OutputDir string

	// Reference products used to pin the grid geometry for a run. When the
	// path overrides are empty the sample products are fetched for
	// SampleGridTime instead.
	SampleGridTime time.Time
	SampleGridPath string
	SampleGribPath string

	FetchConcurrency int64
	FetchMaxRetries  int
	FetchBackoff     time.Duration
	HTTPTimeout      time.Duration

	MetricsAddr     string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Kafka publishing of matched records.
	KafkaBrokers    []string
	KafkaMatchTopic string
	KafkaEnabled    bool
}

const sampleGridTimeLayout = "2006-01-02T15:04"

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	httpTimeout, err := parsePositiveDuration("HTTP_TIMEOUT", "60s")
	if err != nil {
		return nil, err
	}

	fetchBackoff, err := parsePositiveDuration("FETCH_BACKOFF", "60s")
	if err != nil {
		return nil, err
	}

	sampleTimeStr := sharedcfg.EnvOrDefault("SAMPLE_GRID_TIME", "2024-06-01T12:00")
	sampleTime, err2 := time.Parse(sampleGridTimeLayout, sampleTimeStr)
	if err2 != nil {
		return nil, errors.New("invalid SAMPLE_GRID_TIME, want YYYY-MM-DDThh:mm")
	}

	matchTopic := os.Getenv("KAFKA_MATCH_TOPIC")
	kafkaEnabled := matchTopic != ""
	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		kafkaEnabled = v == "true"
	}

	cfg := &Config{
		DBHost:     os.Getenv("DB_HOST"),
		DBPort:     sharedcfg.EnvOrDefault("DB_PORT", "5432"),
		DBName:     os.Getenv("DB_NAME"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBSSLMode:  sharedcfg.EnvOrDefault("DB_SSLMODE", "disable"),

		IncidentTable: sharedcfg.EnvOrDefault("INCIDENT_TABLE", "mrms_data_for_cris_records_60min_statewide"),
		IncidentLimit: parsePositiveInt("INCIDENT_LIMIT", 400),

		GribBucket:  sharedcfg.EnvOrDefault("GRIB_BUCKET", "noaa-mrms-pds"),
		GribRegion:  sharedcfg.EnvOrDefault("GRIB_REGION", "us-east-1"),
		GribProduct: sharedcfg.EnvOrDefault("GRIB_PRODUCT", "PrecipRate_00.00"),

		NetCDFBaseURL: sharedcfg.EnvOrDefault("NETCDF_BASE_URL", "https://mesonet.agron.iastate.edu/cgi-bin/request/raster2netcdf.py"),
		NetCDFProduct: sharedcfg.EnvOrDefault("NETCDF_PRODUCT", "mrms_a2m"),

		DataDir:   sharedcfg.EnvOrDefault("DATA_DIR", "data"),
		OutputDir: sharedcfg.EnvOrDefault("OUTPUT_DIR", "netcdf_vs_grib2"),

		SampleGridTime: sampleTime.UTC(),
		SampleGridPath: os.Getenv("SAMPLE_GRID_PATH"),
		SampleGribPath: os.Getenv("SAMPLE_GRIB_PATH"),

		FetchConcurrency: int64(parsePositiveInt("FETCH_CONCURRENCY", 20)),
		FetchMaxRetries:  parsePositiveInt("FETCH_MAX_RETRIES", 5),
		FetchBackoff:     fetchBackoff,
		HTTPTimeout:      httpTimeout,

		MetricsAddr:     os.Getenv("METRICS_ADDR"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		KafkaBrokers:    sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaMatchTopic: matchTopic,
		KafkaEnabled:    kafkaEnabled,
	}

	if cfg.DBHost == "" {
		return nil, errors.New("DB_HOST is required")
	}
	if cfg.DBName == "" {
		return nil, errors.New("DB_NAME is required")
	}
	if cfg.DBUser == "" {
		return nil, errors.New("DB_USER is required")
	}
	if cfg.DBPassword == "" {
		return nil, errors.New("DB_PASSWORD is required")
	}
	if cfg.KafkaEnabled && cfg.KafkaMatchTopic == "" {
		return nil, errors.New("KAFKA_ENABLED is true but KAFKA_MATCH_TOPIC is not set")
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required when KAFKA_MATCH_TOPIC is set")
	}

	return cfg, nil
}

// DSN renders the incident database connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func parsePositiveInt(name string, fallback int) int {
	if s := os.Getenv(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func parsePositiveDuration(name, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(name, fallback))
	if err != nil || d <= 0 {
		return 0, errors.New("invalid " + name)
	}
	return d, nil
}
