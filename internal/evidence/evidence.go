// Package evidence archives raw scanner reports and returns the URI findings
// should reference instead of the caller-supplied one.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	BackendNone   = "none"
	BackendBadger = "badger"
	BackendGCS    = "gcs"
)

var (
	ErrNotFound       = errors.New("evidence object not found")
	ErrUnknownBackend = errors.New("unknown evidence backend")
)

type Store interface {
	PutJSON(ctx context.Context, key string, body []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// ReportKey names the archived copy of a scanner report. The same tool and
// source URI always map to the same key.
func ReportKey(tool, sourceURI string) string {
	sum := sha256.Sum256([]byte(sourceURI))
	return fmt.Sprintf("scanner-reports/%s/%s.json", tool, hex.EncodeToString(sum[:8]))
}

type Options struct {
	Backend        string
	BadgerPath     string
	BadgerInMemory bool
	GCSBucket      string
	GCSCredentials string
}

// Open returns nil with no error when archiving is disabled.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendBadger:
		s, err := OpenBadger(BadgerConfig{Path: opts.BadgerPath, InMemory: opts.BadgerInMemory})
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendGCS:
		s, err := OpenGCS(ctx, opts.GCSBucket, opts.GCSCredentials)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, opts.Backend)
	}
}
