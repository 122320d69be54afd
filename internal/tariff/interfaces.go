package tariff

import (
	"context"
	"io"
	"time"
)

// Discoverer lists candidate links found on a seed page.
type Discoverer interface {
	Discover(ctx context.Context, seedURL string) ([]Link, error)
}

// Prober retrieves remote metadata without downloading the document.
type Prober interface {
	Probe(ctx context.Context, url string) (Metadata, error)
}

// Fetcher downloads a document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Document, error)
}

// Hasher computes content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// BlobStore archives raw document bytes and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes change notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
