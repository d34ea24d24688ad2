// Package server ties the route table, template renderer and static file
// server together behind a net/http handler with graceful shutdown.
package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/cargoal/internal/renderer"
	"github.com/kjstillabower/cargoal/internal/routing"
	"github.com/kjstillabower/cargoal/internal/static"
	"github.com/kjstillabower/cargoal/internal/web"
)

// Options configures a Server. Zero values are replaced by defaults in New.
type Options struct {
	Addr string

	TemplateDirs      []string
	StaticDir         string
	MaxStaticFileSize int64
	MaxBodySize       int64

	// RateLimitRPS <= 0 disables rate limiting.
	RateLimitRPS   int
	RateLimitBurst int

	// RequestTimeout bounds the context handed to framework handlers. Zero disables it.
	RequestTimeout time.Duration

	// Empty paths disable the endpoint.
	MetricsPath string
	HealthPath  string

	ReadTimeout           time.Duration
	WriteTimeout          time.Duration
	ShutdownTimeout       time.Duration
	InFlightTimeout       time.Duration
	InFlightCheckInterval time.Duration
}

const (
	DefaultAddr        = "127.0.0.1:8080"
	DefaultStaticDir   = "static"
	DefaultMaxBodySize = 1 << 20
)

// DefaultTemplateDirs is used when Options.TemplateDirs is nil.
var DefaultTemplateDirs = []string{"templates"}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	if o.TemplateDirs == nil {
		o.TemplateDirs = append([]string(nil), DefaultTemplateDirs...)
	}
	if o.StaticDir == "" {
		o.StaticDir = DefaultStaticDir
	}
	if o.MaxStaticFileSize <= 0 {
		o.MaxStaticFileSize = static.DefaultMaxFileSize
	}
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = DefaultMaxBodySize
	}
	if o.RateLimitRPS > 0 && o.RateLimitBurst <= 0 {
		o.RateLimitBurst = o.RateLimitRPS
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.InFlightTimeout <= 0 {
		o.InFlightTimeout = 10 * time.Second
	}
	if o.InFlightCheckInterval <= 0 {
		o.InFlightCheckInterval = 100 * time.Millisecond
	}
	return o
}

// Server is safe for concurrent use: routes, middlewares and settings may be
// changed while requests are being served.
type Server struct {
	opts   Options
	logger *zap.Logger
	router *routing.Router

	mu                sync.RWMutex
	renderer          *renderer.Renderer
	staticDir         string
	maxStaticFileSize int64

	limiter      *rate.Limiter
	inFlight     *InFlightTracker
	shuttingDown atomic.Bool
}

// New creates a Server. Templates are loaded from opts.TemplateDirs; when they
// cannot be read the server starts with no templates and logs a warning.
func New(opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	s := &Server{
		opts:              opts,
		logger:            logger,
		router:            routing.NewRouter(),
		staticDir:         opts.StaticDir,
		maxStaticFileSize: opts.MaxStaticFileSize,
		inFlight:          &InFlightTracker{},
	}
	if opts.RateLimitRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), opts.RateLimitBurst)
	}

	r, err := renderer.New(opts.TemplateDirs...)
	if err != nil {
		logger.Warn("templates not loaded", zap.Strings("dirs", opts.TemplateDirs), zap.Error(err))
		r, _ = renderer.New()
	}
	s.renderer = r
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.opts.Addr
}

// SetTemplateDirs replaces the template set with the *.html files found in dirs.
// The previous set stays active when loading fails.
func (s *Server) SetTemplateDirs(dirs ...string) error {
	r, err := renderer.New(dirs...)
	if err != nil {
		return fmt.Errorf("set template dirs: %w", err)
	}
	s.mu.Lock()
	s.renderer = r
	s.mu.Unlock()
	s.logger.Info("templates loaded", zap.Strings("dirs", dirs), zap.Strings("templates", r.Names()))
	return nil
}

// TemplateDirs returns the directories of the active template set.
func (s *Server) TemplateDirs() []string {
	return s.templates().Dirs()
}

func (s *Server) templates() *renderer.Renderer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.renderer
}

// SetStaticDir changes the root used for /static/ requests.
func (s *Server) SetStaticDir(dir string) {
	s.mu.Lock()
	s.staticDir = dir
	s.mu.Unlock()
}

// SetMaxStaticFileSize changes the largest static file that will be served.
func (s *Server) SetMaxStaticFileSize(size int64) {
	s.mu.Lock()
	s.maxStaticFileSize = size
	s.mu.Unlock()
}

func (s *Server) staticSettings() (string, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.staticDir, s.maxStaticFileSize
}

// Use adds a global middleware. Global middlewares run for every request,
// including static files, before routing.
func (s *Server) Use(mw routing.Middleware) {
	s.router.Use(mw)
}

// Route starts building a route for path and method.
func (s *Server) Route(path string, method web.Method) *RouteBuilder {
	return &RouteBuilder{
		server: s,
		path:   path,
		method: method,
	}
}

// Group runs fn with a builder whose routes share prefix and group middlewares.
func (s *Server) Group(prefix string, fn func(g *GroupBuilder)) {
	fn(&GroupBuilder{server: s, prefix: prefix})
}

// Routes returns a snapshot of the registered routes.
func (s *Server) Routes() []*routing.Route {
	return s.router.Routes()
}

// InFlight returns the number of requests currently being served.
func (s *Server) InFlight() int64 {
	return s.inFlight.Count()
}

// ShuttingDown reports whether graceful shutdown has started.
func (s *Server) ShuttingDown() bool {
	return s.shuttingDown.Load()
}
