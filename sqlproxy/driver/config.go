package driver

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/laurentperez/jaybird/charset"
	"github.com/laurentperez/jaybird/field"
	"github.com/laurentperez/jaybird/lifecycle"
	"github.com/laurentperez/jaybird/lob"
)

// Config holds the connection settings read from a DSN.
type Config struct {
	// Tx is a transaction token issued by the host. The connection then runs
	// inside that transaction and never ends it.
	Tx        string
	FetchSize int
	// BufferLimit bounds buffered large objects in auto-commit mode. Zero
	// means unbounded.
	BufferLimit int64
	ChunkSize   int
	// Charset encodes text large objects.
	Charset string
}

// DefaultConfig returns the settings used for keys missing from a DSN.
func DefaultConfig() Config {
	return Config{
		FetchSize:   lifecycle.DefaultFetchSize,
		BufferLimit: field.DefaultMaxBuffer,
		ChunkSize:   lob.DefaultChunkSize,
		Charset:     charset.UTF8,
	}
}

// ParseConfig parses a DSN of the form key=value&key=value. Known keys are
// tx, fetch_size, lob_buffer_limit, lob_chunk_size and charset. An empty DSN
// yields the defaults.
func ParseConfig(dsn string) (Config, error) {
	cfg := DefaultConfig()
	values, err := url.ParseQuery(strings.TrimPrefix(dsn, "?"))
	if err != nil {
		return Config{}, errors.Wrap(err, "jaybird: invalid DSN")
	}
	for key, vals := range values {
		v := vals[len(vals)-1]
		switch key {
		case "tx":
			cfg.Tx = v
		case "fetch_size":
			cfg.FetchSize, err = positive(key, v)
		case "lob_buffer_limit":
			var n int
			n, err = positive(key, v)
			cfg.BufferLimit = int64(n)
		case "lob_chunk_size":
			cfg.ChunkSize, err = positive(key, v)
		case "charset":
			if !charset.Supported(v) {
				return Config{}, errors.Newf("jaybird: unsupported charset %q", v)
			}
			cfg.Charset = charset.Normalize(v)
		default:
			return Config{}, errors.Newf("jaybird: unknown DSN key %q", key)
		}
		if err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func positive(key, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.Newf("jaybird: %s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

// FormatDSN renders cfg as a DSN, omitting default values.
func (cfg Config) FormatDSN() string {
	def := DefaultConfig()
	values := url.Values{}
	if cfg.Tx != "" {
		values.Set("tx", cfg.Tx)
	}
	if cfg.FetchSize != def.FetchSize {
		values.Set("fetch_size", strconv.Itoa(cfg.FetchSize))
	}
	if cfg.BufferLimit != def.BufferLimit {
		values.Set("lob_buffer_limit", strconv.FormatInt(cfg.BufferLimit, 10))
	}
	if cfg.ChunkSize != def.ChunkSize {
		values.Set("lob_chunk_size", strconv.Itoa(cfg.ChunkSize))
	}
	if cfg.Charset != def.Charset {
		values.Set("charset", cfg.Charset)
	}
	return values.Encode()
}
