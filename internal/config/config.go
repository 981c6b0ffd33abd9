package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cachewise/internal/delivery"
	"cachewise/internal/metrics"
	"cachewise/internal/netstate"
	"cachewise/internal/pipeline"
	"cachewise/internal/policy"
	"cachewise/internal/store"
)

// ErrInvalidConfig is matched by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError lists every problem found while building a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return ErrInvalidConfig.Error() + ": " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidConfig }

const (
	DefaultMaxCacheSize    int64 = 10 * 1024 * 1024
	DefaultMemoryCacheSize int64 = 1024 * 1024
	DefaultTimeout               = 30 * time.Second
)

type settings struct {
	cacheDir        string
	cacheBackend    string
	maxCacheSize    int64
	memoryCacheSize int64
	statsInterval   time.Duration

	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	retry          bool

	cacheLevel    policy.Level
	cacheType     policy.Type
	cacheSurvival time.Duration

	interceptors        []pipeline.Interceptor
	networkInterceptors []pipeline.Interceptor

	showHTTPLog  bool
	logger       zerolog.Logger
	reachability netstate.Checker
	poster       delivery.Poster
	metrics      *metrics.Collector
}

// Option adjusts one setting before the configuration is frozen.
type Option func(*settings)

func WithCacheDir(dir string) Option {
	return func(s *settings) { s.cacheDir = dir }
}

func WithCacheBackend(name string) Option {
	return func(s *settings) { s.cacheBackend = strings.ToLower(strings.TrimSpace(name)) }
}

func WithMaxCacheSize(n int64) Option {
	return func(s *settings) { s.maxCacheSize = n }
}

func WithMemoryCacheSize(n int64) Option {
	return func(s *settings) { s.memoryCacheSize = n }
}

// WithStatsInterval logs store statistics every d. Zero disables it.
func WithStatsInterval(d time.Duration) Option {
	return func(s *settings) { s.statsInterval = d }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(s *settings) { s.connectTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(s *settings) { s.readTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *settings) { s.writeTimeout = d }
}

func WithRetryOnConnectionFailure(retry bool) Option {
	return func(s *settings) { s.retry = retry }
}

func WithCacheLevel(level policy.Level) Option {
	return func(s *settings) { s.cacheLevel = level }
}

func WithCacheType(t policy.Type) Option {
	return func(s *settings) { s.cacheType = t }
}

// WithCacheSurvival sets an explicit lifetime that replaces the level tier.
// A positive value switches the cache type to cache-then-network.
func WithCacheSurvival(d time.Duration) Option {
	return func(s *settings) { s.cacheSurvival = d }
}

// WithInterceptors appends application level interceptors, run before the
// cache.
func WithInterceptors(in ...pipeline.Interceptor) Option {
	return func(s *settings) { s.interceptors = append(s.interceptors, in...) }
}

// WithNetworkInterceptors appends interceptors that only see requests which
// reach the network.
func WithNetworkInterceptors(in ...pipeline.Interceptor) Option {
	return func(s *settings) { s.networkInterceptors = append(s.networkInterceptors, in...) }
}

func WithHTTPLog(show bool) Option {
	return func(s *settings) { s.showHTTPLog = show }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *settings) { s.logger = log }
}

func WithReachability(c netstate.Checker) Option {
	return func(s *settings) { s.reachability = c }
}

func WithPoster(p delivery.Poster) Option {
	return func(s *settings) { s.poster = p }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *settings) { s.metrics = m }
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "cachewise")
}

func defaults() settings {
	return settings{
		cacheDir:        defaultCacheDir(),
		cacheBackend:    store.BackendLevelDB,
		maxCacheSize:    DefaultMaxCacheSize,
		memoryCacheSize: DefaultMemoryCacheSize,
		connectTimeout:  DefaultTimeout,
		readTimeout:     DefaultTimeout,
		writeTimeout:    DefaultTimeout,
		retry:           true,
		cacheLevel:      policy.LevelFirst,
		cacheType:       policy.NetworkThenCache,
		showHTTPLog:     true,
		logger:          zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger(),
		reachability:    netstate.Always,
	}
}

func (s settings) clone() settings {
	s.interceptors = slices.Clone(s.interceptors)
	s.networkInterceptors = slices.Clone(s.networkInterceptors)
	return s
}

func (s settings) validate() error {
	var problems []string
	if s.connectTimeout <= 0 {
		problems = append(problems, "connect timeout must be greater than 0")
	}
	if s.readTimeout <= 0 {
		problems = append(problems, "read timeout must be greater than 0")
	}
	if s.writeTimeout <= 0 {
		problems = append(problems, "write timeout must be greater than 0")
	}
	switch {
	case s.cacheSurvival < 0:
		problems = append(problems, "cache survival must not be negative")
	case s.cacheSurvival > 0 && s.cacheSurvival < time.Second:
		problems = append(problems, "cache survival must be at least one second")
	}
	if s.maxCacheSize <= 0 {
		problems = append(problems, "max cache size must be greater than 0")
	}
	if s.memoryCacheSize <= 0 {
		problems = append(problems, "memory cache size must be greater than 0")
	}
	if !store.ValidBackend(s.cacheBackend) {
		problems = append(problems, "unknown cache backend "+s.cacheBackend)
	}
	if s.cacheBackend != store.BackendMemory && s.cacheDir == "" {
		problems = append(problems, "cache dir is required")
	}
	if s.statsInterval < 0 {
		problems = append(problems, "stats interval must not be negative")
	}
	if !s.cacheLevel.Valid() {
		problems = append(problems, "unknown cache level "+s.cacheLevel.String())
	}
	if !s.cacheType.Valid() {
		problems = append(problems, "unknown cache type "+s.cacheType.String())
	}
	if s.reachability == nil {
		problems = append(problems, "reachability checker is required")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// EffectiveConfig is the frozen configuration a client runs with.
type EffectiveConfig struct {
	CacheDir        string
	CacheBackend    string
	MaxCacheSize    int64
	MemoryCacheSize int64
	StatsInterval   time.Duration

	ConnectTimeout           time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
	RetryOnConnectionFailure bool

	CacheLevel       policy.Level
	CacheType        policy.Type
	ExplicitSurvival time.Duration
	// Survival is the resolved lifetime stamped on cached responses.
	Survival time.Duration

	Interceptors        []pipeline.Interceptor
	NetworkInterceptors []pipeline.Interceptor

	ShowHTTPLog  bool
	Logger       zerolog.Logger
	Reachability netstate.Checker
	Poster       delivery.Poster
	Metrics      *metrics.Collector
}

func (s settings) freeze() EffectiveConfig {
	s = s.clone()
	return EffectiveConfig{
		CacheDir:                 s.cacheDir,
		CacheBackend:             s.cacheBackend,
		MaxCacheSize:             s.maxCacheSize,
		MemoryCacheSize:          s.memoryCacheSize,
		StatsInterval:            s.statsInterval,
		ConnectTimeout:           s.connectTimeout,
		ReadTimeout:              s.readTimeout,
		WriteTimeout:             s.writeTimeout,
		RetryOnConnectionFailure: s.retry,
		CacheLevel:               s.cacheLevel,
		CacheType:                policy.EffectiveType(s.cacheType, s.cacheSurvival),
		ExplicitSurvival:         s.cacheSurvival,
		Survival:                 policy.ResolveSurvival(s.cacheLevel, s.cacheSurvival),
		Interceptors:             s.interceptors,
		NetworkInterceptors:      s.networkInterceptors,
		ShowHTTPLog:              s.showHTTPLog,
		Logger:                   s.logger,
		Reachability:             s.reachability,
		Poster:                   s.poster,
		Metrics:                  s.metrics,
	}
}

// Clone returns a copy that shares no slices with c.
func (c EffectiveConfig) Clone() EffectiveConfig {
	c.Interceptors = slices.Clone(c.Interceptors)
	c.NetworkInterceptors = slices.Clone(c.NetworkInterceptors)
	return c
}

// HTTPLogger is the logger used for request logging.
func (c EffectiveConfig) HTTPLogger() zerolog.Logger {
	if !c.ShowHTTPLog {
		return zerolog.Nop()
	}
	return c.Logger
}

// Resolve builds a configuration from the defaults, the promoted global
// override if any, and opts, in increasing precedence.
func Resolve(opts ...Option) (EffectiveConfig, error) {
	s := defaults()
	if g := global.Load(); g != nil {
		s = g.clone()
	}
	for _, opt := range opts {
		opt(&s)
	}
	if err := s.validate(); err != nil {
		return EffectiveConfig{}, err
	}
	return s.freeze(), nil
}
