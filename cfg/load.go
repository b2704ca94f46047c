package cfg

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Load reads flagSet (already parsed), an optional YAML config file, and
// REEL_-prefixed environment variables into a validated Config. Precedence,
// highest first: flags, then env, then file, then Default().
func Load(flagSet *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("reel")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flagSet); err != nil {
		return nil, fmt.Errorf("cfg: bind flags: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("cfg: read config file %s: %w", configFile, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("cfg: unmarshal: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("cfg: %w", err)
	}
	return &cfg, nil
}
