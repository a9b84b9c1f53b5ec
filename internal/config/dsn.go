package config

import (
	"fmt"
	"net"
	neturl "net/url"
	"strconv"
	"strings"
)

const (
	defaultDBHost     = "127.0.0.1"
	defaultDBPort     = 3306
	defaultDBUser     = "root"
	defaultDBPassword = "password"
	defaultDBName     = "nexus_pisowifi"
	defaultDBCharset  = "utf8mb4"
	defaultDBLoc      = "Local"
	defaultRedisHost  = "localhost"
	defaultRedisPort  = 6379
	defaultRedisDB    = 0
)

// DatabaseRuntimeConfig describes the MySQL connection.
type DatabaseRuntimeConfig struct {
	DSN      string `yaml:"dsn"`
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Charset  string `yaml:"charset"`
	Loc      string `yaml:"loc"`
}

// RedisRuntimeConfig describes the Redis connection.
type RedisRuntimeConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TLS      bool   `yaml:"tls"`
}

func defaultDatabaseConfig() DatabaseRuntimeConfig {
	return DatabaseRuntimeConfig{
		Host:     defaultDBHost,
		Port:     defaultDBPort,
		User:     defaultDBUser,
		Password: defaultDBPassword,
		Name:     defaultDBName,
		Charset:  defaultDBCharset,
		Loc:      defaultDBLoc,
	}
}

func defaultRedisConfig() RedisRuntimeConfig {
	return RedisRuntimeConfig{
		Host: defaultRedisHost,
		Port: defaultRedisPort,
		DB:   defaultRedisDB,
	}
}

func mergeDatabaseConfig(current, raw DatabaseRuntimeConfig, flatDSN, flatURL string) DatabaseRuntimeConfig {
	cfg := current
	for _, v := range []string{raw.DSN, raw.URL, flatDSN, flatURL} {
		if s := strings.TrimSpace(v); s != "" {
			cfg.DSN = s
			break
		}
	}
	if v := strings.TrimSpace(raw.Host); v != "" {
		cfg.Host = v
	}
	if raw.Port != 0 {
		cfg.Port = raw.Port
	}
	if v := strings.TrimSpace(raw.User); v != "" {
		cfg.User = v
	}
	if v := strings.TrimSpace(raw.Password); v != "" {
		cfg.Password = v
	}
	if v := strings.TrimSpace(raw.Name); v != "" {
		cfg.Name = v
	}
	if v := strings.TrimSpace(raw.Charset); v != "" {
		cfg.Charset = v
	}
	if v := strings.TrimSpace(raw.Loc); v != "" {
		cfg.Loc = v
	}
	return cfg
}

func mergeRedisConfig(current, raw RedisRuntimeConfig, flatURL string) RedisRuntimeConfig {
	cfg := current
	for _, v := range []string{raw.URL, flatURL} {
		if s := normalizeRedisRawURL(v); s != "" {
			cfg.URL = s
			break
		}
	}
	if v := strings.TrimSpace(raw.Host); v != "" {
		cfg.Host = v
	}
	if raw.Port != 0 {
		cfg.Port = raw.Port
	}
	if v := strings.TrimSpace(raw.Username); v != "" {
		cfg.Username = v
	}
	if v := strings.TrimSpace(raw.Password); v != "" {
		cfg.Password = v
	}
	if raw.DB > 0 {
		cfg.DB = raw.DB
	}
	if raw.TLS {
		cfg.TLS = true
	}
	return cfg
}

func normalizeRedisRawURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "redis://") || strings.HasPrefix(trimmed, "rediss://") {
		return trimmed
	}
	return "redis://" + trimmed
}

// DSNValue returns the effective MySQL DSN.
func (c DatabaseRuntimeConfig) DSNValue() string {
	if v := strings.TrimSpace(c.DSN); v != "" {
		return v
	}

	params := neturl.Values{}
	params.Set("charset", c.Charset)
	params.Set("parseTime", "true")
	params.Set("loc", c.Loc)

	return fmt.Sprintf("%s:%s@tcp(%s)/%s?%s",
		c.User, c.Password,
		net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		c.Name, params.Encode())
}

// URLValue returns the effective Redis URL.
func (c RedisRuntimeConfig) URLValue() string {
	if u := normalizeRedisRawURL(c.URL); u != "" {
		return u
	}

	scheme := "redis"
	if c.TLS {
		scheme = "rediss"
	}
	u := &neturl.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + strconv.Itoa(c.DB),
	}
	username := strings.TrimSpace(c.Username)
	password := strings.TrimSpace(c.Password)
	if username != "" {
		if password != "" {
			u.User = neturl.UserPassword(username, password)
		} else {
			u.User = neturl.User(username)
		}
	} else if password != "" {
		u.User = neturl.UserPassword("", password)
	}
	return u.String()
}
