// Package database selects and opens the persistence backend named by a URI.
package database

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/zhouzirui/llm-hub/backend/internal/store"
	"github.com/zhouzirui/llm-hub/backend/internal/store/memory"
	"github.com/zhouzirui/llm-hub/backend/internal/store/mongo"
	"github.com/zhouzirui/llm-hub/backend/internal/store/postgres"
)

// ConnectTimeout bounds how long Open waits for the backend to answer.
const ConnectTimeout = 30 * time.Second

// Backend names the store implementation behind a URI.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendMongo    Backend = "mongo"
	BackendPostgres Backend = "postgres"
)

// BackendFor returns the backend a URI selects.
func BackendFor(uri string) (Backend, error) {
	parsed, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return "", fmt.Errorf("invalid database uri: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "memory":
		return BackendMemory, nil
	case "mongodb", "mongodb+srv":
		return BackendMongo, nil
	case "postgres", "postgresql":
		return BackendPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database scheme %q", parsed.Scheme)
	}
}

// Open connects to the backend named by uri and verifies it is reachable.
func Open(ctx context.Context, uri string) (store.Store, Backend, error) {
	backend, err := BackendFor(uri)
	if err != nil {
		return nil, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	var s store.Store
	switch backend {
	case BackendMemory:
		s = memory.New()
	case BackendMongo:
		s, err = mongo.Open(ctx, uri)
	case BackendPostgres:
		s, err = postgres.Open(ctx, uri)
	}
	if err != nil {
		return nil, backend, err
	}
	return s, backend, nil
}
