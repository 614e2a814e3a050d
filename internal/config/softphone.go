package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	EngineBaresip = "baresip"
	EngineSipUA   = "sipua"
)

// Softphone is the configuration of the softphone binary.
type Softphone struct {
	Engine       string        `env:"SOFTPHONE_ENGINE" envDefault:"sipua" yaml:"engine"`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info" yaml:"log_level"`
	PumpInterval time.Duration `env:"PUMP_INTERVAL" envDefault:"20ms" yaml:"pump_interval"`

	Account Account `envPrefix:"ACCOUNT_" yaml:"account"`
	Baresip Baresip `envPrefix:"BARESIP_" yaml:"baresip"`
	SIP     SIP     `envPrefix:"SIP_" yaml:"sip"`
	Recents Recents `envPrefix:"RECENTS_" yaml:"recents"`
}

// Account is the identity registered at startup when Username is set.
type Account struct {
	Username string `env:"USERNAME" yaml:"username"`
	Password string `env:"PASSWORD" yaml:"password"`
	Domain   string `env:"DOMAIN" yaml:"domain"`
}

type Baresip struct {
	Addr           string        `env:"ADDR" envDefault:"localhost:4444" yaml:"addr"`
	CommandTimeout time.Duration `env:"COMMAND_TIMEOUT" envDefault:"2s" yaml:"command_timeout"`
}

type SIP struct {
	ListenAddr      string        `env:"LISTEN_ADDR" envDefault:"0.0.0.0:5060" yaml:"listen_addr"`
	Transport       string        `env:"TRANSPORT" envDefault:"udp" yaml:"transport"`
	ContactHost     string        `env:"CONTACT_HOST" yaml:"contact_host"`
	UserAgent       string        `env:"USER_AGENT" envDefault:"softphone" yaml:"user_agent"`
	Registrar       string        `env:"REGISTRAR" yaml:"registrar"`
	RegisterExpires time.Duration `env:"REGISTER_EXPIRES" envDefault:"1h" yaml:"register_expires"`
	MediaPort       int           `env:"MEDIA_PORT" envDefault:"4000" yaml:"media_port"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"5s" yaml:"request_timeout"`
}

// Recents configures the redis-backed call log.
type Recents struct {
	Enabled    bool          `env:"ENABLED" envDefault:"false" yaml:"enabled"`
	RedisAddr  string        `env:"REDIS_ADDR" envDefault:"localhost:6379" yaml:"redis_addr"`
	Username   string        `env:"REDIS_USERNAME" yaml:"redis_username"`
	Password   string        `env:"REDIS_PASSWORD" yaml:"redis_password"`
	DB         int           `env:"REDIS_DB" envDefault:"0" yaml:"redis_db"`
	Prefix     string        `env:"PREFIX" envDefault:"softphone:recents:v1" yaml:"prefix"`
	TTL        time.Duration `env:"TTL" envDefault:"720h" yaml:"ttl"`
	MaxEntries int           `env:"MAX_ENTRIES" envDefault:"50" yaml:"max_entries"`
}

// Validate normalizes and checks the values the binary cannot run without.
func (c *Softphone) Validate() error {
	if c == nil {
		return errors.New("nil softphone config")
	}
	c.Engine = strings.ToLower(strings.TrimSpace(c.Engine))
	switch c.Engine {
	case EngineBaresip, EngineSipUA:
	default:
		return fmt.Errorf("unknown engine %q (want %s or %s)", c.Engine, EngineBaresip, EngineSipUA)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.PumpInterval <= 0 {
		return fmt.Errorf("pump interval must be positive, got %s", c.PumpInterval)
	}
	if c.Account.Username != "" && c.Account.Domain == "" {
		return errors.New("account domain is required with an account username")
	}
	if c.Recents.Enabled && strings.TrimSpace(c.Recents.RedisAddr) == "" {
		return errors.New("recents redis address is required when recents are enabled")
	}
	return nil
}
