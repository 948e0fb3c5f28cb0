package store

import (
	"fmt"

	"github.com/blacklabeldata/msgstore/internal/kvindex"
	"github.com/blacklabeldata/msgstore/internal/reclog"
	"go.uber.org/zap"
)

// IndexFactoryName selects among the available Index Store backends.
type IndexFactoryName string

const (
	// IndexFactoryBolt is the only implemented backend: a durable,
	// on-disk ordered KV store (go.etcd.io/bbolt). The field stays a
	// list, as in the spec, so additional native/pure-language backends
	// can be registered later without changing Config's shape.
	IndexFactoryBolt IndexFactoryName = "bbolt"
)

// Config enumerates every option from the spec's configuration table.
type Config struct {
	Directory string

	Sync              bool
	VerifyChecksums   bool
	ParanoidChecks    bool
	LogSize           int64
	LogWriteBuffer    int
	IndexMaxOpenFiles int

	IndexBlockRestartInterval int
	IndexBlockSize            int
	IndexWriteBufferSize      int
	IndexCompression          kvindex.Compression
	IndexCacheSize            int

	// IndexFactory lists backend identifiers tried in order; the first
	// entry naming an implemented backend is used (bbolt is the only one),
	// and a list with no such entry makes Start fail. The field stays a
	// slice to match the spec's comma-list configuration shape.
	IndexFactory []IndexFactoryName

	Logger *zap.Logger
}

// DefaultConfig returns the table's documented defaults for directory-less
// fields; Directory must still be set by the caller.
func DefaultConfig(directory string) Config {
	return Config{
		Directory:        directory,
		Sync:             true,
		VerifyChecksums:  false,
		ParanoidChecks:   false,
		LogSize:          reclog.DefaultMaxFileSize,
		LogWriteBuffer:   reclog.DefaultWriteBufferSize,
		IndexCompression: kvindex.CompressionSnappy,
		IndexFactory:     []IndexFactoryName{IndexFactoryBolt},
		Logger:           zap.NewNop(),
	}
}

func (c *Config) validate() error {
	if c.Directory == "" {
		return fmt.Errorf("store: directory is required")
	}
	if len(c.IndexFactory) == 0 {
		c.IndexFactory = []IndexFactoryName{IndexFactoryBolt}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

func (c *Config) selectedFactory() (IndexFactoryName, error) {
	for _, name := range c.IndexFactory {
		if name == IndexFactoryBolt {
			return name, nil
		}
	}
	return "", fmt.Errorf("store: no usable index_factory in %v", c.IndexFactory)
}
