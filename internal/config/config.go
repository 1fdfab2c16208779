// Package config loads server configuration from an optional YAML file and
// APB_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
)

// ErrInvalidConfig wraps every validation failure.  The server refuses to
// start on it.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	HTTPAddr string
	GRPCAddr string

	Env    string // "dev" | "prod"
	Store  string // "sqlite" | "memory"
	DBPath string

	// Terminal role table.  Actuated lists terminals with a door actuator.
	EntryTerminals    []string
	ExitTerminals     []string
	ActuatedTerminals []string

	EntryWindow       time.Duration
	ResetTime         string // HH:MM, local to Location
	ResetPollInterval time.Duration
	Location          *time.Location

	DoorOpenDuration time.Duration
	ActuatorTimeout  time.Duration
	ActuatorWorkers  int
	ActuatorQueue    int

	AuthMethods []types.AuthMethod

	StoreRetries   int
	StoreOpTimeout time.Duration
	AuditQueue     int

	LogLevel  string
	LogFormat string

	HealthInterval time.Duration

	// ResetRateLimit caps manual resets per minute per client; 0 disables.
	ResetRateLimit int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":9090")
	v.SetDefault("env", "dev")
	v.SetDefault("store", "sqlite")
	v.SetDefault("db_path", "./data/apb.db")
	v.SetDefault("terminals.entry", "")
	v.SetDefault("terminals.exit", "")
	v.SetDefault("terminals.actuated", "")
	v.SetDefault("entry_window", "5m")
	v.SetDefault("reset_time", "04:00")
	v.SetDefault("reset_poll_interval", "60s")
	v.SetDefault("timezone", "Local")
	v.SetDefault("door_open_duration", "5s")
	v.SetDefault("actuator_timeout", "3s")
	v.SetDefault("actuator_workers", 4)
	v.SetDefault("actuator_queue", 64)
	v.SetDefault("auth_methods", "75,117")
	v.SetDefault("store_retries", 3)
	v.SetDefault("store_op_timeout", "2s")
	v.SetDefault("audit_queue", 1024)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("health_interval", "10s")
	v.SetDefault("reset_rate_limit", 6)
}

// Load reads the YAML file named by APB_CONFIG (default ./config/apb.yaml,
// optional) and overlays the environment.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("APB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("APB_CONFIG")
	if path == "" {
		v.AddConfigPath("config")
		v.SetConfigName("apb")
		v.SetConfigType("yaml")
	} else {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	env := strings.ToLower(strings.TrimSpace(v.GetString("env")))
	if env != "dev" && env != "prod" {
		// fail-soft: treat unknown as dev
		env = "dev"
	}

	loc, err := loadLocation(v.GetString("timezone"))
	if err != nil {
		return Config{}, err
	}

	methods, err := parseAuthMethods(v.Get("auth_methods"))
	if err != nil {
		return Config{}, err
	}

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"entry_window", "reset_poll_interval", "door_open_duration",
		"actuator_timeout", "store_op_timeout", "health_interval",
	} {
		d, err := cast.ToDurationE(v.Get(key))
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		durations[key] = d
	}

	c := Config{
		HTTPAddr: v.GetString("http_addr"),
		GRPCAddr: v.GetString("grpc_addr"),
		Env:      env,
		Store:    strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		DBPath:   v.GetString("db_path"),

		EntryTerminals:    stringList(v.Get("terminals.entry")),
		ExitTerminals:     stringList(v.Get("terminals.exit")),
		ActuatedTerminals: stringList(v.Get("terminals.actuated")),

		EntryWindow:       durations["entry_window"],
		ResetTime:         strings.TrimSpace(v.GetString("reset_time")),
		ResetPollInterval: durations["reset_poll_interval"],
		Location:          loc,

		DoorOpenDuration: durations["door_open_duration"],
		ActuatorTimeout:  durations["actuator_timeout"],
		ActuatorWorkers:  cast.ToInt(v.Get("actuator_workers")),
		ActuatorQueue:    cast.ToInt(v.Get("actuator_queue")),

		AuthMethods: methods,

		StoreRetries:   cast.ToInt(v.Get("store_retries")),
		StoreOpTimeout: durations["store_op_timeout"],
		AuditQueue:     cast.ToInt(v.Get("audit_queue")),

		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),

		HealthInterval: durations["health_interval"],

		ResetRateLimit: cast.ToInt(v.Get("reset_rate_limit")),
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects configurations the server must not start with.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if len(c.EntryTerminals) == 0 && len(c.ExitTerminals) == 0 {
		fail("terminal role table is empty")
	}
	roles := make(map[string]types.Role)
	for _, id := range c.EntryTerminals {
		roles[id] = types.RoleEntry
	}
	for _, id := range c.ExitTerminals {
		if roles[id] == types.RoleEntry {
			fail("terminal %q is both entry and exit", id)
		}
		roles[id] = types.RoleExit
	}
	for _, id := range c.ActuatedTerminals {
		if _, ok := roles[id]; !ok {
			fail("actuated terminal %q has no role", id)
		}
	}

	if _, _, err := ParseClock(c.ResetTime); err != nil {
		fail("reset_time: %v", err)
	}
	if c.EntryWindow < 0 {
		fail("entry_window must not be negative")
	}
	if c.ResetPollInterval <= 0 {
		fail("reset_poll_interval must be positive")
	}
	if c.DoorOpenDuration <= 0 || c.ActuatorTimeout <= 0 {
		fail("door_open_duration and actuator_timeout must be positive")
	}
	if c.ActuatorWorkers <= 0 || c.ActuatorQueue <= 0 || c.AuditQueue <= 0 {
		fail("worker and queue sizes must be positive")
	}
	if c.StoreRetries <= 0 || c.StoreOpTimeout <= 0 {
		fail("store_retries and store_op_timeout must be positive")
	}
	if c.HealthInterval <= 0 {
		fail("health_interval must be positive")
	}
	if c.ResetRateLimit < 0 {
		fail("reset_rate_limit must not be negative")
	}
	switch c.Store {
	case "sqlite":
		if strings.TrimSpace(c.DBPath) == "" {
			fail("db_path is required for the sqlite store")
		}
	case "memory":
	default:
		fail("unknown store %q", c.Store)
	}
	if len(c.AuthMethods) == 0 {
		fail("auth_methods is empty")
	}
	return errors.Join(errs...)
}

// ParseClock parses an HH:MM time of day.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone: %v", ErrInvalidConfig, err)
	}
	return loc, nil
}

func parseAuthMethods(raw any) ([]types.AuthMethod, error) {
	var out []types.AuthMethod
	for _, s := range stringList(raw) {
		n, err := cast.ToIntE(s)
		if err != nil {
			return nil, fmt.Errorf("%w: auth_methods: %q is not a code", ErrInvalidConfig, s)
		}
		out = append(out, types.AuthMethod(n))
	}
	return out, nil
}

// stringList accepts a YAML list or a comma separated string (the form
// environment variables take).
func stringList(raw any) []string {
	if s, ok := raw.(string); ok {
		return splitCSV(s)
	}
	var out []string
	for _, p := range cast.ToStringSlice(raw) {
		out = append(out, splitCSV(p)...)
	}
	return out
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
