// Package credentials implements named credential stores and a registry
// that resolves them by string name or numeric id (spec §3, §4.2).
//
// Each store type (simple API key, AWS) embeds BaseStore, which supplies
// lazy initialization, optional TTL-bounded caching of the resolved
// credential, and the shared environment-variable resolution rules.
package credentials

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Kind identifies a credential store's variant.
type Kind string

const (
	KindSimple Kind = "simple"
	KindAWS    Kind = "aws"
	KindGoogle Kind = "google"
	KindAzure  Kind = "azure"
	KindOAuth  Kind = "oauth"
)

// Source identifies where a store's raw secret material comes from.
type Source string

const (
	SourceEnv        Source = "env"
	SourceFile       Source = "file"
	SourceVault      Source = "vault"
	SourceAWSSecrets Source = "aws-secrets"
	SourceInline     Source = "inline"
)

// StoreConfig is the CredentialStoreConfig entity from spec §3.
type StoreConfig struct {
	ID       *int
	Name     string
	Kind     Kind
	Source   Source
	Config   map[string]string
	CacheTTL time.Duration
}

// Env-resolution failure modes (spec §4.2).
var (
	ErrMissingEnv            = errors.New("credentials: required environment variable is unset")
	ErrUnresolvedPlaceholder = errors.New("credentials: environment variable still holds a \"${...}\" placeholder")
	ErrEmptyEnv              = errors.New("credentials: environment variable is whitespace-only")
	ErrDuplicate             = errors.New("credentials: store already registered")
	ErrNotFound              = errors.New("credentials: store not found")
)

var placeholderPattern = regexp.MustCompile(`^\$\{[^}]+\}$`)

// resolveEnv reads key from the environment and applies the three failure
// modes spec §4.2 names. required=false means an unset variable yields
// ("", nil) instead of ErrMissingEnv.
func resolveEnv(key string, required bool) (string, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		if required {
			return "", fmt.Errorf("%w: %s", ErrMissingEnv, key)
		}
		return "", nil
	}
	if placeholderPattern.MatchString(val) {
		return "", fmt.Errorf("%w: %s=%s", ErrUnresolvedPlaceholder, key, val)
	}
	if strings.TrimSpace(val) == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptyEnv, key)
	}
	return val, nil
}

// Credential is the resolved secret material for one store (spec §3). Each
// variant implements the same small method set; callers type-switch via
// Kind() when they need variant-specific fields.
type Credential interface {
	Kind() Kind
	Validate() error
	IsExpired() bool
	AuthHeaders() map[string]string
	ProviderConfig() map[string]any
}

// SimpleCredential holds a bearer/API-key secret.
type SimpleCredential struct {
	APIKey    string
	ExpiresAt time.Time // zero value: never expires
}

func (c *SimpleCredential) Kind() Kind { return KindSimple }

func (c *SimpleCredential) Validate() error {
	if len(c.APIKey) < 8 {
		return fmt.Errorf("credentials: simple API key too short (%d chars, want >= 8)", len(c.APIKey))
	}
	if placeholderPattern.MatchString(c.APIKey) {
		return fmt.Errorf("credentials: simple API key is an unresolved placeholder")
	}
	return nil
}

func (c *SimpleCredential) IsExpired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// AuthHeaders implements the "sk- prefix => Bearer, else x-api-key" rule.
func (c *SimpleCredential) AuthHeaders() map[string]string {
	if strings.HasPrefix(c.APIKey, "sk-") {
		return map[string]string{"Authorization": "Bearer " + c.APIKey}
	}
	return map[string]string{"x-api-key": c.APIKey}
}

func (c *SimpleCredential) ProviderConfig() map[string]any { return nil }

// AWSCredential holds resolved AWS auth material: either direct keys or an
// instance-profile/web-identity marker with no keys of its own.
type AWSCredential struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	Profile         string
	InstanceProfile bool
	WebIdentity     bool
	ExpiresAt       time.Time
	Metadata        map[string]string
}

func (c *AWSCredential) Kind() Kind { return KindAWS }

var awsRegionPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

func (c *AWSCredential) Validate() error {
	if !awsRegionPattern.MatchString(c.Region) {
		return fmt.Errorf("credentials: invalid AWS region format %q", c.Region)
	}
	if c.InstanceProfile || c.WebIdentity {
		return nil
	}
	if l := len(c.AccessKeyID); l < 16 || l > 32 {
		return fmt.Errorf("credentials: AWS access key length %d out of range [16,32]", l)
	}
	if len(c.SecretAccessKey) < 32 {
		return fmt.Errorf("credentials: AWS secret key too short (%d chars, want >= 32)", len(c.SecretAccessKey))
	}
	return nil
}

func (c *AWSCredential) IsExpired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// AuthHeaders is empty for AWS: callers sign requests with SigV4 instead of
// a static header.
func (c *AWSCredential) AuthHeaders() map[string]string { return map[string]string{} }

func (c *AWSCredential) ProviderConfig() map[string]any {
	return map[string]any{
		"region":          c.Region,
		"accessKeyId":     c.AccessKeyID,
		"secretAccessKey": c.SecretAccessKey,
		"sessionToken":    c.SessionToken,
	}
}

// Store is the interface the registry holds; each concrete store type
// implements it via BaseStore plus its own doInitialize/doResolve/
// doValidate/doDispose.
type Store interface {
	Resolve() (Credential, error)
	Dispose() error
}

// storeImpl is implemented by each concrete store and driven by BaseStore.
type storeImpl interface {
	doInitialize() error
	doResolve() (Credential, error)
	doDispose() error
}

// BaseStore supplies lazy initialization and optional TTL caching shared by
// every store kind.
type BaseStore struct {
	mu          sync.Mutex
	impl        storeImpl
	initialized bool
	cacheTTL    time.Duration
	cached      Credential
	cachedAt    time.Time
}

func (b *BaseStore) init(impl storeImpl, ttl time.Duration) {
	b.impl = impl
	b.cacheTTL = ttl
}

// Resolve returns the store's current credential, initializing on first
// call and honoring the TTL cache (if configured) and the credential's own
// IsExpired check.
func (b *BaseStore) Resolve() (Credential, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		if err := b.impl.doInitialize(); err != nil {
			return nil, err
		}
		b.initialized = true
	}

	if b.cached != nil && !b.cached.IsExpired() {
		if b.cacheTTL <= 0 || time.Since(b.cachedAt) < b.cacheTTL {
			return b.cached, nil
		}
	}

	cred, err := b.impl.doResolve()
	if err != nil {
		return nil, err
	}
	if err := cred.Validate(); err != nil {
		return nil, err
	}

	b.cached = cred
	b.cachedAt = time.Now()
	return cred, nil
}

func (b *BaseStore) Dispose() error { return b.impl.doDispose() }

// SimpleStore resolves a bearer/API-key credential from an env var or an
// inline config value.
type SimpleStore struct {
	BaseStore
	envVar  string
	inline  string
}

// NewSimpleStore builds a Store for StoreConfig.Kind == KindSimple.
// cfg.Config["apiKeyVar"] names the environment variable to read; absent
// that, cfg.Config["apiKey"] is used as an inline value (source=inline).
func NewSimpleStore(cfg StoreConfig) *SimpleStore {
	s := &SimpleStore{envVar: cfg.Config["apiKeyVar"], inline: cfg.Config["apiKey"]}
	s.init(s, cfg.CacheTTL)
	return s
}

func (s *SimpleStore) doInitialize() error { return nil }

func (s *SimpleStore) doResolve() (Credential, error) {
	if s.envVar != "" {
		val, err := resolveEnv(s.envVar, true)
		if err != nil {
			return nil, err
		}
		return &SimpleCredential{APIKey: val}, nil
	}
	if s.inline == "" {
		return nil, fmt.Errorf("credentials: simple store has neither apiKeyVar nor apiKey configured")
	}
	return &SimpleCredential{APIKey: s.inline}, nil
}

func (s *SimpleStore) doDispose() error { return nil }

// AWSStore resolves either direct keys, an instance-profile marker, or a
// web-identity marker, per spec §4.2.
type AWSStore struct {
	BaseStore
	accessKeyVar    string
	secretKeyVar    string
	sessionTokenVar string
	regionVar       string
	region          string
	profile         string
	instanceProfile bool
	webIdentity     bool
	// resolveChain, when set, resolves AWS credentials via the default SDK
	// credential chain (instance-profile/web-identity/etc) instead of
	// reading static keys. Swappable for tests.
	resolveChain func() (accessKeyID, secretAccessKey, sessionToken string, expires time.Time, err error)
}

// AWSStoreOption configures an AWSStore.
type AWSStoreOption func(*AWSStore)

// WithCredentialChainResolver overrides how instance-profile/web-identity
// resolution is performed; internal/credentials/awschain.go supplies the
// aws-sdk-go-v2-backed default.
func WithCredentialChainResolver(fn func() (string, string, string, time.Time, error)) AWSStoreOption {
	return func(s *AWSStore) { s.resolveChain = fn }
}

// NewAWSStore builds a Store for StoreConfig.Kind == KindAWS.
func NewAWSStore(cfg StoreConfig, opts ...AWSStoreOption) *AWSStore {
	s := &AWSStore{
		accessKeyVar:    cfg.Config["accessKeyIdVar"],
		secretKeyVar:    cfg.Config["secretAccessKeyVar"],
		sessionTokenVar: cfg.Config["sessionTokenVar"],
		regionVar:       cfg.Config["regionVar"],
		region:          cfg.Config["region"],
		profile:         cfg.Config["profile"],
		instanceProfile: cfg.Config["instanceProfile"] == "true",
		webIdentity:     cfg.Config["webIdentity"] == "true",
	}
	for _, o := range opts {
		o(s)
	}
	s.init(s, cfg.CacheTTL)
	return s
}

func (s *AWSStore) doInitialize() error { return nil }

func (s *AWSStore) resolveRegion() string {
	if s.region != "" {
		return s.region
	}
	if s.regionVar != "" {
		if v, _ := resolveEnv(s.regionVar, false); v != "" {
			return v
		}
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		return v
	}
	slog.Warn("credentials: AWS region not configured, defaulting", "region", "us-east-1")
	return "us-east-1"
}

func (s *AWSStore) doResolve() (Credential, error) {
	region := s.resolveRegion()

	if s.instanceProfile || s.webIdentity {
		cred := &AWSCredential{Region: region, Profile: s.profile, InstanceProfile: s.instanceProfile, WebIdentity: s.webIdentity}
		if s.resolveChain != nil {
			ak, sk, st, exp, err := s.resolveChain()
			if err != nil {
				return nil, fmt.Errorf("credentials: resolving AWS default credential chain: %w", err)
			}
			cred.AccessKeyID, cred.SecretAccessKey, cred.SessionToken, cred.ExpiresAt = ak, sk, st, exp
		}
		return cred, nil
	}

	accessKey, err := resolveEnv(s.accessKeyVar, true)
	if err != nil {
		return nil, err
	}
	secretKey, err := resolveEnv(s.secretKeyVar, true)
	if err != nil {
		return nil, err
	}
	sessionToken, _ := resolveEnv(s.sessionTokenVar, false)

	return &AWSCredential{
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		SessionToken:    sessionToken,
		Region:          region,
		Profile:         s.profile,
	}, nil
}

func (s *AWSStore) doDispose() error { return nil }

type registryEntry struct {
	id    *int
	name  string
	store Store
}

// Registry holds stores by name and (optionally) a bijective numeric id,
// per spec §4.2.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*registryEntry
	byID   map[int]*registryEntry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*registryEntry), byID: make(map[int]*registryEntry)}
}

// Register adds store under name (and id, if non-nil). Fails with
// ErrDuplicate if the name or id is already registered.
func (r *Registry) Register(name string, id *int, store Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: name %q", ErrDuplicate, name)
	}
	if id != nil {
		if _, ok := r.byID[*id]; ok {
			return fmt.Errorf("%w: id %d", ErrDuplicate, *id)
		}
	}

	e := &registryEntry{id: id, name: name, store: store}
	r.byName[name] = e
	if id != nil {
		r.byID[*id] = e
	}
	return nil
}

// Get resolves a store by string name, or by numeric id if key parses as
// an integer and no store of that name exists (spec scenario 8: a numeric
// string id also resolves).
func (r *Registry) Get(key string) (Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.byName[key]; ok {
		return e.store, nil
	}
	if n, err := strconv.Atoi(key); err == nil {
		if e, ok := r.byID[n]; ok {
			return e.store, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
}

// GetByID resolves a store by its numeric id.
func (r *Registry) GetByID(id int) (Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return e.store, nil
}

// DisposeAll disposes every registered store concurrently, returning the
// first error encountered (if any) after all have finished.
func (r *Registry) DisposeAll() error {
	r.mu.RLock()
	entries := make([]*registryEntry, 0, len(r.byName))
	for _, e := range r.byName {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	errs := make([]error, len(entries))
	for i, e := range entries {
		wg.Add(1)
		go func(i int, e *registryEntry) {
			defer wg.Done()
			errs[i] = e.store.Dispose()
		}(i, e)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
