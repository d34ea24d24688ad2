package server

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kjstillabower/cargoal/internal/observability"
	"github.com/kjstillabower/cargoal/internal/static"
	"github.com/kjstillabower/cargoal/internal/web"
)

// MockSubdomainHeader selects the subdomain when the Host header carries none.
const MockSubdomainHeader = "X-Mock-Subdomain"

// ServeHTTP dispatches r through the framework without the ambient middleware
// that Handler adds.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := s.dispatch(r)
	if err := resp.Write(w); err != nil {
		web.LoggerFrom(r.Context()).Debug("write response", zap.Error(err))
	}
}

func (s *Server) dispatch(r *http.Request) *web.Response {
	req, err := web.FromHTTP(r, s.opts.MaxBodySize)
	if err != nil {
		if errors.Is(err, web.ErrBodyTooLarge) {
			return web.NewResponse(http.StatusRequestEntityTooLarge, "Payload Too Large")
		}
		return web.NewResponse(http.StatusBadRequest, "Bad Request")
	}
	logger := req.Logger()

	for _, mw := range s.router.Middlewares() {
		if resp := mw(req); resp != nil {
			return resp
		}
	}

	if rest, ok := strings.CutPrefix(req.Path, static.Prefix); ok {
		setRouteLabel(r.Context(), static.Prefix+"*")
		root, maxSize := s.staticSettings()
		resp := static.Serve(root, rest, maxSize)
		observability.RecordStaticFile(resp.StatusCode)
		return resp
	}

	req.Subdomain = subdomainOf(r)

	if req.Path != "/" && strings.HasSuffix(req.Path, "/") {
		trimmed := strings.TrimRight(req.Path, "/")
		if trimmed == "" {
			trimmed = "/"
		}
		if s.router.FindRoute(trimmed, req.Method, req.Subdomain) != nil {
			location := trimmed
			if r.URL.RawQuery != "" {
				location += "?" + r.URL.RawQuery
			}
			return web.NewResponse(http.StatusMovedPermanently, "").WithHeader("Location", location)
		}
	}

	if route := s.router.FindRoute(req.Path, req.Method, req.Subdomain); route != nil {
		setRouteLabel(r.Context(), route.Path)
		if !s.router.Matches(route, req.Path) {
			return notFound()
		}
		if req.Params == nil {
			req.Params = make(map[string]string)
		}
		for k, v := range s.router.ExtractParams(route, req.Path) {
			req.Params[k] = v
		}
		logger.Debug("route matched",
			zap.String("route", route.Path),
			zap.String("subdomain", req.Subdomain))
		return route.Handler(req)
	}

	if s.router.HasPath(req.Path, req.Subdomain) {
		setRouteLabel(r.Context(), req.Path)
		methods := s.router.AllowedMethods(req.Path, req.Subdomain)
		names := make([]string, len(methods))
		for i, m := range methods {
			names[i] = m.String()
		}
		return web.NewResponse(http.StatusMethodNotAllowed, "Method Not Allowed").
			WithHeader("Allow", strings.Join(names, ", "))
	}
	return notFound()
}

func notFound() *web.Response {
	return web.NewResponse(http.StatusNotFound, "Not Found")
}

// subdomainOf returns the first label of a host with at least three labels
// ("api.example.com") or of "<name>.localhost". IP hosts have no subdomain.
// Otherwise the X-Mock-Subdomain header is used.
func subdomainOf(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host != "" && net.ParseIP(host) == nil {
		labels := strings.Split(host, ".")
		if len(labels) >= 3 || (len(labels) == 2 && labels[1] == "localhost") {
			if labels[0] != "" {
				return labels[0]
			}
		}
	}
	return strings.TrimSpace(r.Header.Get(MockSubdomainHeader))
}
