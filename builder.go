package idmflow

import (
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/idmflow/idmflow/internal/stores"
	"github.com/idmflow/idmflow/password"
	"github.com/idmflow/idmflow/session"
)

// Builder assembles an Engine from a Config and optional collaborator
// overrides. Every collaborator has a default: in-memory credential
// store (or redis when a client is given), net/http transport, argon2id
// crypto, no-op delegate and logger.
type Builder struct {
	config Config

	redisClient redis.UniversalClient
	credStore   CredentialStore
	network     Network
	view        UserAgentView
	delegate    Delegate
	crypto      Crypto
	auditSink   AuditSink
	logger      *slog.Logger

	built bool
}

func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis backs the credential store with redis. Ignored when
// WithCredentialStore is also set.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redisClient = client
	return b
}

func (b *Builder) WithCredentialStore(store CredentialStore) *Builder {
	b.credStore = store
	return b
}

// WithTransport replaces the default net/http network collaborator.
// This is where hosts inject client certificates, trust overrides and
// cookie handling.
func (b *Builder) WithTransport(n Network) *Builder {
	b.network = n
	return b
}

// WithUserAgentView wires the host's browser surface. Without one, the
// browser-driven flows raise embedded-view challenges instead.
func (b *Builder) WithUserAgentView(v UserAgentView) *Builder {
	b.view = v
	return b
}

func (b *Builder) WithDelegate(d Delegate) *Builder {
	b.delegate = d
	return b
}

func (b *Builder) WithCrypto(c Crypto) *Builder {
	b.crypto = c
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	b.built = true

	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	creds := b.credStore
	if creds == nil {
		if b.redisClient != nil {
			creds = stores.NewRedis(b.redisClient, "")
		} else {
			creds = stores.NewMemory()
		}
	}

	crypto := b.crypto
	if crypto == nil {
		v, err := password.NewVerifier(b.config.Crypto)
		if err != nil {
			return nil, err
		}
		crypto = v
	}

	network := b.network
	if network == nil {
		network = NewHTTPNetwork(nil)
	}

	delegate := b.delegate
	if delegate == nil {
		delegate = NoopDelegate{}
	}

	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	metrics := NewMetrics(b.config.Metrics)
	store := session.NewStore(creds)

	e := &Engine{
		cfg:      b.config,
		delegate: delegate,
		creds:    creds,
		store:    store,
		audit:    newAuditDispatcher(b.config.Audit, b.auditSink),
		metrics:  metrics,
		log:      logger,
	}
	e.env = &flowEnv{
		cfg:        &e.cfg,
		net:        network,
		view:       b.view,
		creds:      creds,
		crypto:     crypto,
		log:        logger,
		metrics:    metrics,
		assertions: newAssertionCache(),
		disco:      &discoveryCache{},
		store:      store,
	}
	return e, nil
}
