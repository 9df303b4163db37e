package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
)

const defaultVaultTokenTTL = 5 * time.Minute

// VaultOptions locates the backend token in a KV v2 secret.
type VaultOptions struct {
	Address string
	Token   string
	Mount   string
	Path    string
	Key     string
	// CacheTTL bounds how long a fetched token is reused.
	CacheTTL time.Duration
	Now      func() time.Time
}

// VaultTokenSource reads the backend token from Vault and caches it.
type VaultTokenSource struct {
	client *vaultapi.Client
	mount  string
	path   string
	key    string
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	cached    string
	fetchedAt time.Time
}

func NewVaultTokenSource(opts VaultOptions) (*VaultTokenSource, error) {
	address := strings.TrimSpace(opts.Address)
	if address == "" {
		return nil, errors.New("vault address is required")
	}
	path := strings.Trim(strings.TrimSpace(opts.Path), "/")
	if path == "" {
		return nil, errors.New("vault secret path is required")
	}
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, errors.New("vault token is required")
	}

	cfg := vaultapi.DefaultConfig()
	cfg.Address = address
	cfg.HttpClient = &http.Client{Timeout: 30 * time.Second}
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client setup: %w", err)
	}
	client.SetToken(token)

	mount := strings.Trim(strings.TrimSpace(opts.Mount), "/")
	if mount == "" {
		mount = "secret"
	}
	key := strings.TrimSpace(opts.Key)
	if key == "" {
		key = "token"
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultVaultTokenTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &VaultTokenSource{client: client, mount: mount, path: path, key: key, ttl: ttl, now: now}, nil
}

// Token returns the cached token, reading the secret again once the cache
// has expired.
func (v *VaultTokenSource) Token(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cached != "" && v.now().Sub(v.fetchedAt) < v.ttl {
		return v.cached, nil
	}

	secret, err := v.client.KVv2(v.mount).Get(ctx, v.path)
	if err != nil {
		return "", fmt.Errorf("read vault secret %s/%s: %w", v.mount, v.path, err)
	}
	raw, ok := secret.Data[v.key]
	if !ok {
		return "", fmt.Errorf("vault secret %s/%s has no key %q", v.mount, v.path, v.key)
	}
	tok, ok := raw.(string)
	if !ok || strings.TrimSpace(tok) == "" {
		return "", fmt.Errorf("vault secret %s/%s key %q is not a non-empty string", v.mount, v.path, v.key)
	}
	v.cached = strings.TrimSpace(tok)
	v.fetchedAt = v.now()
	return v.cached, nil
}

// Invalidate drops the cached token so the next call reads Vault again.
func (v *VaultTokenSource) Invalidate() {
	v.mu.Lock()
	v.cached = ""
	v.mu.Unlock()
}
