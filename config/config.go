// Package config loads the cn=config surface via spf13/viper, validates
// it with go-playground/validator/v10 struct tags, and wires fsnotify
// (through viper's WatchConfig) so a caller receives each changed,
// validated config; cmd/ldapd applies none of it without a restart. Validation is a plain
// struct with per-field validate tags, checked with
// validator.New().Struct and translated into a single aggregate error.
package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AnonAccess mirrors nsslapd-allow-anonymous-access's three-way enum.
type AnonAccess string

const (
	AnonOff     AnonAccess = "off"
	AnonOn      AnonAccess = "on"
	AnonRootDSE AnonAccess = "rootdse"
)

// Config is the cn=config surface, flattened into one struct for viper
// unmarshalling.
type Config struct {
	Port      int    `mapstructure:"nsslapd-port" validate:"omitempty,gte=0,lte=65535"`
	SecurePort int   `mapstructure:"nsslapd-secureport" validate:"omitempty,gte=0,lte=65535"`
	Localhost string `mapstructure:"nsslapd-localhost" validate:"omitempty,hostname|ip"`

	ThreadNumber int `mapstructure:"nsslapd-threadnumber" validate:"omitempty,gte=1"`

	MaxBERSize    int `mapstructure:"nsslapd-maxbersize" validate:"gte=0"`
	MaxSASLIOSize int `mapstructure:"nsslapd-maxsasliosize" validate:"gte=-1"`
	IOBlockTimeoutMS int `mapstructure:"nsslapd-ioblocktimeout" validate:"omitempty,gte=0"`

	MinSSF                int  `mapstructure:"nsslapd-minssf" validate:"gte=0"`
	MinSSFExcludeRootDSE  bool `mapstructure:"nsslapd-minssf-exclude-rootdse"`

	AllowAnonymousAccess      AnonAccess `mapstructure:"nsslapd-allow-anonymous-access" validate:"oneof=off on rootdse"`
	AllowUnauthenticatedBinds bool       `mapstructure:"nsslapd-allow-unauthenticated-binds"`
	RequireSecureBinds        bool       `mapstructure:"nsslapd-require-secure-binds"`
	ForceSASLExternal         bool       `mapstructure:"nsslapd-force-sasl-external"`

	RootDN string `mapstructure:"nsslapd-rootdn" validate:"omitempty"`
	RootPW string `mapstructure:"nsslapd-rootpw" validate:"omitempty"`

	DNValidateStrict bool `mapstructure:"nsslapd-dn-validate-strict"`

	HAProxyTrustedIP []string `mapstructure:"nsslapd-haproxy-trusted-ip"`

	AccessLogLevel   string `mapstructure:"nsslapd-accesslog-level" validate:"omitempty,oneof=debug info warn error"`
	MaxDescriptors   int    `mapstructure:"nsslapd-maxdescriptors" validate:"omitempty,gte=1"`

	DSEFile string `mapstructure:"nsslapd-dse-file" validate:"omitempty"`

	AdminListen string `mapstructure:"nsslapd-admin-listen" validate:"omitempty"`
}

// Default returns a Config with conservative server defaults
// (min-ssf 0, anonymous access on, a 1s ioblock-timeout equivalent).
func Default() Config {
	return Config{
		Port:                 389,
		SecurePort:           0,
		ThreadNumber:         16,
		MaxBERSize:           2 * 1024 * 1024,
		MaxSASLIOSize:        -1,
		IOBlockTimeoutMS:     1000,
		MinSSF:               0,
		AllowAnonymousAccess: AnonOn,
		AccessLogLevel:       "info",
		MaxDescriptors:       1024,
	}
}

// Validate runs struct-tag validation and cross-field checks that
// validator tags can't express cleanly (port collision, SASL EXTERNAL
// implying a secure port).
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		if ive, ok := err.(*validator.InvalidValidationError); ok {
			return ive
		}
		var msgs []string
		for _, fe := range err.(validator.ValidationErrors) {
			msgs = append(msgs, fmt.Sprintf("config field %q fails constraint %q", fe.Namespace(), fe.ActualTag()))
		}
		return fmt.Errorf("config: %d validation error(s): %v", len(msgs), msgs)
	}

	if c.Port != 0 && c.Port == c.SecurePort {
		return fmt.Errorf("config: nsslapd-port and nsslapd-secureport must differ")
	}
	if c.ForceSASLExternal && c.SecurePort == 0 {
		return fmt.Errorf("config: nsslapd-force-sasl-external requires nsslapd-secureport")
	}
	return nil
}

// Load reads Config from path (any format viper supports: yaml/json/toml)
// layered over Default().
func Load(path string) (Config, error) {
	v := viper.New()
	c := Default()
	bindDefaults(v, c)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var out Config
	if err := v.Unmarshal(&out); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := out.Validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

func bindDefaults(v *viper.Viper, c Config) {
	v.SetDefault("nsslapd-port", c.Port)
	v.SetDefault("nsslapd-threadnumber", c.ThreadNumber)
	v.SetDefault("nsslapd-maxbersize", c.MaxBERSize)
	v.SetDefault("nsslapd-maxsasliosize", c.MaxSASLIOSize)
	v.SetDefault("nsslapd-ioblocktimeout", c.IOBlockTimeoutMS)
	v.SetDefault("nsslapd-minssf", c.MinSSF)
	v.SetDefault("nsslapd-allow-anonymous-access", string(c.AllowAnonymousAccess))
	v.SetDefault("nsslapd-accesslog-level", c.AccessLogLevel)
	v.SetDefault("nsslapd-maxdescriptors", c.MaxDescriptors)
}

// Watch wires fsnotify (through viper.WatchConfig) so hot-reloadable
// fields (the DSE file path, the haproxy trusted-IP list) can be applied
// without a restart; onChange receives the freshly reloaded, validated
// Config, or is not called if the reload fails validation (the daemon
// keeps running on the last-good config rather than crash on a bad edit).
func Watch(path string, onChange func(Config)) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		var out Config
		if err := v.Unmarshal(&out); err != nil {
			return
		}
		if err := out.Validate(); err != nil {
			return
		}
		onChange(out)
	})
	v.WatchConfig()
	return nil
}
