// Package config содержит логику чтения конфигурации диспетчерской.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config содержит параметры процесса.
type Config struct {
	RunAddress          string        `env:"RUN_ADDRESS"`
	DatabaseURI         string        `env:"DATABASE_URI"`
	FilestoreAddress    string        `env:"FILESTORE_ADDRESS"`
	AuthSecret          string        `env:"AUTH_SECRET"`
	Timezone            string        `env:"TIMEZONE"`
	MaintenanceInterval time.Duration `env:"MAINTENANCE_INTERVAL"`
	ConfigFile          string        `env:"CONFIG_FILE"`
	AdminEmail          string        `env:"ADMIN_EMAIL"`
	AdminPassword       string        `env:"ADMIN_PASSWORD"`
	LogLevel            string        `env:"LOG_LEVEL"`
}

// Business содержит бизнес-параметры по умолчанию из YAML-файла.
type Business struct {
	WorkStart     time.Duration
	WorkEnd       time.Duration
	SlotDuration  time.Duration
	MaxSlots      int
	WarrantyFine  decimal.Decimal
	MaxPhotos     int
	MaxPhotoBytes int64
}

const (
	defaultRunAddress  = "localhost:8080"
	defaultTimezone    = "Europe/Moscow"
	defaultMaintenance = 10 * time.Minute
)

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения важнее флагов.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg
	_, envInterval := os.LookupEnv("MAINTENANCE_INTERVAL")

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI; empty runs in-memory store")
	flag.StringVar(&cfg.FilestoreAddress, "f", "", "photo file store address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "cookie signing secret")
	flag.StringVar(&cfg.Timezone, "z", defaultTimezone, "service time zone")
	flag.DurationVar(&cfg.MaintenanceInterval, "m", defaultMaintenance, "maintenance sweep interval, 0 disables")
	flag.StringVar(&cfg.ConfigFile, "c", "", "YAML file with business defaults")

	flag.Parse()

	override(&cfg.RunAddress, fromEnv.RunAddress)
	override(&cfg.DatabaseURI, fromEnv.DatabaseURI)
	override(&cfg.FilestoreAddress, fromEnv.FilestoreAddress)
	override(&cfg.AuthSecret, fromEnv.AuthSecret)
	override(&cfg.Timezone, fromEnv.Timezone)
	override(&cfg.ConfigFile, fromEnv.ConfigFile)
	if envInterval {
		cfg.MaintenanceInterval = fromEnv.MaintenanceInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.Timezone == "" {
		cfg.Timezone = defaultTimezone
	}
	if cfg.MaintenanceInterval < 0 {
		return nil, fmt.Errorf("maintenance interval must not be negative, got %s", cfg.MaintenanceInterval)
	}

	return cfg, nil
}

func override(dst *string, envValue string) {
	if envValue != "" {
		*dst = envValue
	}
}

// Location возвращает пояс сервиса.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// LoadBusiness читает бизнес-параметры из YAML-файла path. Пустой path даёт значения
// по умолчанию; любой ключ можно переопределить переменной DISPATCH_<SECTION>_<KEY>.
func LoadBusiness(path string) (Business, error) {
	v := viper.New()
	v.SetDefault("schedule.work_start", "09:00")
	v.SetDefault("schedule.work_end", "17:00")
	v.SetDefault("schedule.slot_minutes", 120)
	v.SetDefault("schedule.max_slots", 8)
	v.SetDefault("fines.warranty_transfer", "5000")
	v.SetDefault("photos.max_count", 5)
	v.SetDefault("photos.max_bytes", 10<<20)

	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Business{}, fmt.Errorf("read config: %w", err)
		}
	}

	start, err := parseClock(v.GetString("schedule.work_start"))
	if err != nil {
		return Business{}, fmt.Errorf("schedule.work_start: %w", err)
	}
	end, err := parseClock(v.GetString("schedule.work_end"))
	if err != nil {
		return Business{}, fmt.Errorf("schedule.work_end: %w", err)
	}
	if end <= start {
		return Business{}, errors.New("schedule.work_end must be after schedule.work_start")
	}

	slot := time.Duration(v.GetInt("schedule.slot_minutes")) * time.Minute
	if slot <= 0 {
		return Business{}, errors.New("schedule.slot_minutes must be positive")
	}
	maxSlots := v.GetInt("schedule.max_slots")
	if maxSlots <= 0 {
		return Business{}, errors.New("schedule.max_slots must be positive")
	}

	fine, err := decimal.NewFromString(v.GetString("fines.warranty_transfer"))
	if err != nil {
		return Business{}, fmt.Errorf("fines.warranty_transfer: %w", err)
	}
	if fine.IsNegative() {
		return Business{}, errors.New("fines.warranty_transfer must not be negative")
	}

	return Business{
		WorkStart:     start,
		WorkEnd:       end,
		SlotDuration:  slot,
		MaxSlots:      maxSlots,
		WarrantyFine:  fine,
		MaxPhotos:     v.GetInt("photos.max_count"),
		MaxPhotoBytes: v.GetInt64("photos.max_bytes"),
	}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
