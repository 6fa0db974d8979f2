package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/gophauth/internal/flagx"
	"github.com/dmitrijs2005/gophauth/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Lifetimes use
// timex.Duration, so both "15m" and integer nanoseconds are accepted.
type JsonConfig struct {
	EndpointAddrGRPC             string         `json:"endpoint_addr_grpc"`
	MetricsAddr                  string         `json:"metrics_addr"`
	StoreDriver                  string         `json:"store_driver"`
	DatabaseDSN                  string         `json:"database_dsn"`
	RedisAddr                    string         `json:"redis_addr"`
	RedisPassword                string         `json:"redis_password"`
	RedisDB                      int            `json:"redis_db"`
	SecretKey                    string         `json:"secret_key"`
	AccessTokenValidityDuration  timex.Duration `json:"access_token_validity_duration"`
	RefreshTokenValidityDuration timex.Duration `json:"refresh_token_validity_duration"`
	OTPValidityDuration          timex.Duration `json:"otp_validity_duration"`
	Argon2Time                   uint32         `json:"argon2_time"`
	Argon2Memory                 uint32         `json:"argon2_memory"`
	Argon2Threads                uint8          `json:"argon2_threads"`
	Notifier                     string         `json:"notifier"`
	SMTPHost                     string         `json:"smtp_host"`
	SMTPPort                     int            `json:"smtp_port"`
	SMTPUsername                 string         `json:"smtp_username"`
	SMTPPassword                 string         `json:"smtp_password"`
	SMTPFrom                     string         `json:"smtp_from"`
	SMTPImplicitTLS              *bool          `json:"smtp_implicit_tls"`
	LogFormat                    string         `json:"log_format"`
}

// parseJson overlays values from the JSON file named by -c/-config onto
// config. Keys missing from the file keep their current value. A file that
// cannot be read or parsed panics.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.MetricsAddr, c.MetricsAddr)
	setString(&config.StoreDriver, c.StoreDriver)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.RedisPassword, c.RedisPassword)
	setNonZero(&config.RedisDB, c.RedisDB)
	setString(&config.SecretKey, c.SecretKey)
	setNonZero(&config.AccessTokenValidityDuration, c.AccessTokenValidityDuration.Duration)
	setNonZero(&config.RefreshTokenValidityDuration, c.RefreshTokenValidityDuration.Duration)
	setNonZero(&config.OTPValidityDuration, c.OTPValidityDuration.Duration)
	setNonZero(&config.Argon2Time, c.Argon2Time)
	setNonZero(&config.Argon2Memory, c.Argon2Memory)
	setNonZero(&config.Argon2Threads, c.Argon2Threads)
	setString(&config.Notifier, c.Notifier)
	setString(&config.SMTPHost, c.SMTPHost)
	setNonZero(&config.SMTPPort, c.SMTPPort)
	setString(&config.SMTPUsername, c.SMTPUsername)
	setString(&config.SMTPPassword, c.SMTPPassword)
	setString(&config.SMTPFrom, c.SMTPFrom)
	if c.SMTPImplicitTLS != nil {
		config.SMTPImplicitTLS = *c.SMTPImplicitTLS
	}
	setString(&config.LogFormat, c.LogFormat)
}

func setString(dst *string, v string) {
	setNonZero(dst, v)
}

func setNonZero[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}
