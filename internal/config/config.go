// Package config loads an internal/store.Config from the operator-facing
// configuration surface described in the external interfaces table: a
// config file read by viper, with pflag-provided overrides for the
// operator CLI. The embedding broker's primary path is still to build a
// store.Config directly in Go — this package only exists for
// cmd/msgstore-verify.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/blacklabeldata/msgstore/internal/kvindex"
	"github.com/blacklabeldata/msgstore/internal/store"
)

// RegisterFlags adds the configuration table's options to fs so an
// operator CLI can override the config file (or defaults) from the
// command line.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("directory", "", "data directory (required)")
	fs.Bool("sync", true, "fsync after syncing unit-of-work commits")
	fs.Bool("verify-checksums", false, "verify index block checksums on read")
	fs.Bool("paranoid-checks", false, "strict integrity checks in the KV library")
	fs.Int64("log-size", store.DefaultConfig("").LogSize, "rotation threshold per log file, in bytes")
	fs.Int("log-write-buffer-size", store.DefaultConfig("").LogWriteBuffer, "log write buffer, in bytes")
	fs.Int("index-max-open-files", 0, "KV open-file budget (0 = library default)")
	fs.String("index-compression", string(kvindex.CompressionSnappy), "index compression: snappy or none")
	fs.StringSlice("index-factory", []string{string(store.IndexFactoryBolt)}, "comma list of KV factory identifiers, tried in order")
	fs.String("config", "", "path to a config file (yaml/toml/json)")
}

// Load builds a store.Config from an optional config file (viper) overlaid
// with any flags the caller has parsed into fs, then with logger.
func Load(fs *pflag.FlagSet, logger *zap.Logger) (store.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MSGSTORE")
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return store.Config{}, fmt.Errorf("config: bind flags: %w", err)
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return store.Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	directory := v.GetString("directory")
	if directory == "" {
		return store.Config{}, fmt.Errorf("config: directory is required")
	}

	cfg := store.DefaultConfig(directory)
	cfg.Sync = v.GetBool("sync")
	cfg.VerifyChecksums = v.GetBool("verify-checksums")
	cfg.ParanoidChecks = v.GetBool("paranoid-checks")
	if v.IsSet("log-size") {
		cfg.LogSize = v.GetInt64("log-size")
	}
	if v.IsSet("log-write-buffer-size") {
		cfg.LogWriteBuffer = v.GetInt("log-write-buffer-size")
	}
	cfg.IndexMaxOpenFiles = v.GetInt("index-max-open-files")
	cfg.IndexCompression = kvindex.Compression(v.GetString("index-compression"))

	var factories []store.IndexFactoryName
	for _, name := range v.GetStringSlice("index-factory") {
		factories = append(factories, store.IndexFactoryName(name))
	}
	if len(factories) > 0 {
		cfg.IndexFactory = factories
	}

	cfg.Logger = logger
	return cfg, nil
}
