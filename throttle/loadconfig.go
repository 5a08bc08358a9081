package throttle

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/druide/go-throttle-agent/internal/dynprop"
	"github.com/druide/go-throttle-agent/internal/limiter"
)

// fileSettings is the subset of Config that makes sense as static,
// file-or-env-loadable values. The function-valued fields (GetFlag,
// Direction, OnStat, Timeout when per-endpoint) are not representable in
// YAML/env and must be layered on afterward with the WithXxx options.
type fileSettings struct {
	Rate                   int     `mapstructure:"rate"`
	RateIntervalMS         int64   `mapstructure:"rate_interval_ms"`
	RateLowerWeight        int     `mapstructure:"rate_lower_weight"`
	RateLowerKoef          float64 `mapstructure:"rate_lower_koef"`
	RateRaiseKoef          float64 `mapstructure:"rate_raise_koef"`
	MaxPending             int     `mapstructure:"max_pending"`
	MaxBuffer              int     `mapstructure:"max_buffer"`
	CheckBeforeRequest     bool    `mapstructure:"check_before_request"`
	MaxConns               int     `mapstructure:"max_conns"`
	PerEndpointConcurrency int     `mapstructure:"per_endpoint_concurrency"`
	TimeoutMS              int64   `mapstructure:"timeout_ms"`
}

// LoadConfig reads a YAML configuration file (with THROTTLE_-prefixed
// environment variable overrides, following the teacher's dynamicconfig
// layering convention) and returns a Config seeded from it. Fields with no
// static representation (GetFlag, Direction, OnStat, WithTransport) are
// left at their zero value; combine LoadConfig with WithConfig and the
// relevant WithXxx options to fill them in.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("THROTTLE")
	v.AutomaticEnv()

	v.SetDefault("rate", limiter.MaxRate)
	v.SetDefault("rate_interval_ms", 1000)
	v.SetDefault("rate_lower_weight", 18)
	v.SetDefault("rate_lower_koef", 0.2)
	v.SetDefault("rate_raise_koef", 0.02)
	v.SetDefault("max_pending", 3000)
	v.SetDefault("max_buffer", 50)
	v.SetDefault("check_before_request", false)
	v.SetDefault("max_conns", 500)
	v.SetDefault("per_endpoint_concurrency", 64)
	v.SetDefault("timeout_ms", 0)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("throttle: reading config %s: %w", path, err)
	}

	var fs fileSettings
	if err := v.Unmarshal(&fs); err != nil {
		return Config{}, fmt.Errorf("throttle: parsing config %s: %w", path, err)
	}

	cfg := Config{
		Rate:                   dynprop.StaticInt(fs.Rate),
		RateInterval:           dynprop.StaticDuration(fs.RateIntervalMS),
		RateLowerWeight:        dynprop.StaticInt(fs.RateLowerWeight),
		RateLowerKoef:          dynprop.StaticFloat(fs.RateLowerKoef),
		RateRaiseKoef:          dynprop.StaticFloat(fs.RateRaiseKoef),
		MaxPending:             dynprop.StaticInt(fs.MaxPending),
		MaxBuffer:              dynprop.StaticInt(fs.MaxBuffer),
		CheckBeforeRequest:     dynprop.StaticBool(fs.CheckBeforeRequest),
		MaxConns:               fs.MaxConns,
		PerEndpointConcurrency: fs.PerEndpointConcurrency,
	}
	if fs.TimeoutMS > 0 {
		d := time.Duration(fs.TimeoutMS) * time.Millisecond
		cfg.Timeout = func(string, string) time.Duration { return d }
	}
	return cfg, nil
}
