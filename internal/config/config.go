// Package config loads mewbased's runtime settings from flags, a YAML
// file, and the environment, using github.com/spf13/viper the way the
// teacher's cmd/ctrlc pairs cobra flags with a viper-backed config file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Keys are the viper keys recognised by mewbased, per §6 ("Configuration
// (recognised options)") plus the SPEC_FULL additions (listen address,
// initial subscriber credit, auth-stub toggle).
const (
	KeyLogsDir         = "logsDir"
	KeyMaxLogChunkSize = "maxLogChunkSize"
	KeyListenAddr      = "listenAddr"
	KeyInitialCredit   = "initialCredit"
	KeyAuthEnabled     = "authEnabled"
	KeySentryDSN       = "sentryDSN"
)

// Config is the resolved, typed view of the settings above.
type Config struct {
	LogsDir         string
	MaxLogChunkSize int64
	ListenAddr      string
	InitialCredit   int64
	AuthEnabled     bool
	SentryDSN       string
}

// setDefaults installs the values §6 calls out as defaults: all CONNECTs
// accepted (authEnabled = false, since authentication is "currently a
// stub"), and a chunk size and credit generous enough for the flow in
// §8's scenarios without reconfiguration.
func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyLogsDir, "./data")
	v.SetDefault(KeyMaxLogChunkSize, int64(64<<20)) // 64MiB
	v.SetDefault(KeyListenAddr, ":7171")
	v.SetDefault(KeyInitialCredit, int64(1<<20)) // 1MiB
	v.SetDefault(KeyAuthEnabled, false)
	v.SetDefault(KeySentryDSN, "")
}

// Load builds a Config from defaults, an optional YAML file, the
// MEWBASE_ environment, and already-bound pflags (v is expected to have
// had cmd.Flags() bound onto it by the caller via BindPFlag).
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("MEWBASE")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", cfgFile, err)
		}
	}

	cfg := Config{
		LogsDir:         v.GetString(KeyLogsDir),
		MaxLogChunkSize: v.GetInt64(KeyMaxLogChunkSize),
		ListenAddr:      v.GetString(KeyListenAddr),
		InitialCredit:   v.GetInt64(KeyInitialCredit),
		AuthEnabled:     v.GetBool(KeyAuthEnabled),
		SentryDSN:       v.GetString(KeySentryDSN),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.LogsDir == "" {
		return fmt.Errorf("config: logsDir must not be empty")
	}
	if c.MaxLogChunkSize <= 0 {
		return fmt.Errorf("config: maxLogChunkSize must be positive, got %d", c.MaxLogChunkSize)
	}
	if c.InitialCredit <= 0 {
		return fmt.Errorf("config: initialCredit must be positive, got %d", c.InitialCredit)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listenAddr must not be empty")
	}
	return nil
}

// shutdownGrace bounds how long Server.Shutdown waits for in-flight
// connections to drain before the serve command gives up and returns.
const shutdownGrace = 10 * time.Second

// ShutdownGrace returns the grace period the serve command should pass
// to Server.Shutdown's context.
func ShutdownGrace() time.Duration { return shutdownGrace }
