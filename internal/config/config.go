package config

import "time"

// TrackerConfig is the root configuration for a tracker instance.
type TrackerConfig struct {
	Stream    StreamConfig    `yaml:"stream"`
	LiveState LiveStateConfig `yaml:"live_state"`
	API       APIConfig       `yaml:"api"`
	Poller    PollerConfig    `yaml:"poller"`
	Database  DBConfig        `yaml:"database"`
	Writer    WriterConfig    `yaml:"writer"`
	Status    StatusConfig    `yaml:"status"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Log       LogConfig       `yaml:"log"`
}

// StreamConfig holds the location stream settings.
type StreamConfig struct {
	WSBase               string        `yaml:"ws_base"`    // e.g. wss://api.example.com
	Token                string        `yaml:"token"`      // Bearer token, usually ${BUS_TOKEN}
	TokenFile            string        `yaml:"token_file"` // Read when token is empty
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	MessageBufferSize    int           `yaml:"message_buffer_size"`
}

// LiveStateConfig holds staleness and trail retention.
type LiveStateConfig struct {
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	MaxTrailPoints int           `yaml:"max_trail_points"`
}

// APIConfig holds the REST seeding endpoint.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	TrailLimit int           `yaml:"trail_limit"`
}

// PollerConfig holds stale re-seed poller settings.
type PollerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DBConfig holds the archive database connection. An empty host disables
// archival.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether a database is configured.
func (db DBConfig) Enabled() bool {
	return db.Host != ""
}

// WriterConfig holds trail writer settings.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// StatusConfig holds the status API settings.
type StatusConfig struct {
	Port int `yaml:"port"`
}

// TrackingConfig lists the buses subscribed at startup.
type TrackingConfig struct {
	BusIDs []string `yaml:"bus_ids"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
