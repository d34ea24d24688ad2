package server

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/kjstillabower/cargoal/internal/observability"
	"github.com/kjstillabower/cargoal/internal/renderer"
	"github.com/kjstillabower/cargoal/internal/routing"
	"github.com/kjstillabower/cargoal/internal/web"
)

// ContextFunc builds the template context for a request.
type ContextFunc func(req *web.Request) renderer.Context

// RouteBuilder collects route options until Register is called.
type RouteBuilder struct {
	server      *Server
	path        string
	method      web.Method
	subdomain   string
	template    string
	contextFn   ContextFunc
	regex       string
	middlewares []routing.Middleware
	handler     routing.Handler
}

func (b *RouteBuilder) WithSubdomain(subdomain string) *RouteBuilder {
	b.subdomain = subdomain
	return b
}

func (b *RouteBuilder) WithTemplate(name string) *RouteBuilder {
	b.template = name
	return b
}

func (b *RouteBuilder) WithContext(fn ContextFunc) *RouteBuilder {
	b.contextFn = fn
	return b
}

// WithRegex sets a pattern the full request path must match. Named groups become params.
func (b *RouteBuilder) WithRegex(pattern string) *RouteBuilder {
	b.regex = pattern
	return b
}

// WithMiddleware appends a route middleware; route middlewares run after group middlewares.
func (b *RouteBuilder) WithMiddleware(mw routing.Middleware) *RouteBuilder {
	b.middlewares = append(b.middlewares, mw)
	return b
}

// WithHandler sets the handler. A handler takes precedence over a template.
func (b *RouteBuilder) WithHandler(h routing.Handler) *RouteBuilder {
	b.handler = h
	return b
}

// Register adds the route to the server.
func (b *RouteBuilder) Register() error {
	middlewares := append([]routing.Middleware(nil), b.middlewares...)
	handler := b.handler
	template := b.template
	contextFn := b.contextFn
	s := b.server

	_, err := s.router.AddRoute(routing.RouteSpec{
		Subdomain: b.subdomain,
		Path:      b.path,
		Method:    b.method,
		Regex:     b.regex,
		Handler: func(req *web.Request) *web.Response {
			for _, mw := range middlewares {
				if resp := mw(req); resp != nil {
					return resp
				}
			}
			if handler != nil {
				if resp := handler(req); resp != nil {
					return resp
				}
				req.Logger().Error("handler returned no response", zap.String("path", req.Path))
				return web.NewResponse(http.StatusInternalServerError, "Internal Server Error")
			}
			return s.renderTemplate(req, template, contextFn)
		},
	})
	if err != nil {
		return fmt.Errorf("register route: %w", err)
	}
	s.logger.Debug("route registered",
		zap.String("method", b.method.String()),
		zap.String("path", b.path),
		zap.String("subdomain", b.subdomain))
	return nil
}

func (s *Server) renderTemplate(req *web.Request, name string, contextFn ContextFunc) *web.Response {
	if name == "" {
		return web.NewResponse(http.StatusInternalServerError, "Template not set.").
			WithHeader("Content-Type", "text/html")
	}

	var ctx renderer.Context
	if contextFn != nil {
		ctx = contextFn(req)
	}

	out, err := s.templates().Render(name, ctx)
	if err != nil {
		req.Logger().Error("render template", zap.String("template", name), zap.Error(err))
		if errors.Is(err, renderer.ErrTemplateNotFound) {
			observability.RecordTemplateRender(name, "not_found")
			return web.NewResponse(http.StatusNotFound, fmt.Sprintf("Template '%s' not found!", name)).
				WithHeader("Content-Type", "text/html")
		}
		observability.RecordTemplateRender(name, "error")
		return web.NewResponse(http.StatusInternalServerError, "Internal Server Error: "+err.Error()).
			WithHeader("Content-Type", "text/html")
	}
	observability.RecordTemplateRender(name, "ok")
	return web.NewResponse(http.StatusOK, out).WithHeader("Content-Type", "text/html")
}

// GroupBuilder registers routes under a common path prefix.
type GroupBuilder struct {
	server      *Server
	prefix      string
	middlewares []routing.Middleware
}

// Use adds a group middleware. It applies to routes started after this call.
func (g *GroupBuilder) Use(mw routing.Middleware) {
	g.middlewares = append(g.middlewares, mw)
}

// Route starts a route at prefix+path carrying the group middlewares.
func (g *GroupBuilder) Route(path string, method web.Method) *RouteBuilder {
	b := g.server.Route(g.prefix+path, method)
	b.middlewares = append([]routing.Middleware(nil), g.middlewares...)
	return b
}
