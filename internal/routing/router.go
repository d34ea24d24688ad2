// Package routing holds the route table: exact, ":param" and regex routes
// scoped by method and subdomain.
package routing

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/kjstillabower/cargoal/internal/web"
)

// Middleware inspects a request before its handler runs. Returning nil lets the
// request continue; a non-nil response is sent instead of running the handler.
type Middleware func(req *web.Request) *web.Response

// Handler produces the response for a matched request.
type Handler func(req *web.Request) *web.Response

// Route is a registered entry in the Router.
type Route struct {
	Subdomain string
	Path      string
	Method    web.Method
	Handler   Handler
	Regex     *regexp.Regexp
}

// RouteSpec describes a route to add. Regex, when set, is matched against the full request path.
type RouteSpec struct {
	Subdomain string
	Path      string
	Method    web.Method
	Handler   Handler
	Regex     string
}

// Router is safe for concurrent use; routes may be added while requests are served.
type Router struct {
	mu          sync.RWMutex
	routes      []*Route
	middlewares []Middleware
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// AddRoute compiles and appends a route. Routes are matched in registration order.
func (r *Router) AddRoute(spec RouteSpec) (*Route, error) {
	if spec.Handler == nil {
		return nil, fmt.Errorf("route %s %s: handler is required", spec.Method, spec.Path)
	}

	expr := spec.Regex
	if expr == "" {
		expr = dynamicPattern(spec.Path)
	}
	var compiled *regexp.Regexp
	if expr != "" {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("route %s %s: compile regex: %w", spec.Method, spec.Path, err)
		}
		compiled = re
	}

	route := &Route{
		Subdomain: spec.Subdomain,
		Path:      spec.Path,
		Method:    spec.Method,
		Handler:   spec.Handler,
		Regex:     compiled,
	}

	r.mu.Lock()
	r.routes = append(r.routes, route)
	r.mu.Unlock()
	return route, nil
}

// dynamicPattern turns "/users/:id" into ^/users/(?P<id>[^/]+)$. Paths without
// ":name" segments return "".
func dynamicPattern(path string) string {
	if !strings.Contains(path, ":") {
		return ""
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if name, ok := strings.CutPrefix(part, ":"); ok && name != "" {
			parts[i] = "(?P<" + name + ">[^/]+)"
			continue
		}
		parts[i] = regexp.QuoteMeta(part)
	}
	return "^" + strings.Join(parts, "/") + "$"
}

// Use appends a global middleware.
func (r *Router) Use(mw Middleware) {
	r.mu.Lock()
	r.middlewares = append(r.middlewares, mw)
	r.mu.Unlock()
}

// Middlewares returns a snapshot of the global middlewares in registration order.
func (r *Router) Middlewares() []Middleware {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Middleware(nil), r.middlewares...)
}

// Routes returns a snapshot of the registered routes.
func (r *Router) Routes() []*Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Route(nil), r.routes...)
}

// FindRoute returns the first route with this method and exactly this subdomain
// whose path equals, whose regex matches, or which matches segment by segment.
// A route found only segment-wise may still be rejected by Matches.
func (r *Router) FindRoute(path string, method web.Method, subdomain string) *Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, route := range r.routes {
		if route.Method != method || route.Subdomain != subdomain {
			continue
		}
		if route.Path == path ||
			(route.Regex != nil && route.Regex.MatchString(path)) ||
			matchSegments(route.Path, path) {
			return route
		}
	}
	return nil
}

// Matches reports whether the route's regex (if any) accepts path.
func (r *Router) Matches(route *Route, path string) bool {
	if route.Regex == nil {
		return true
	}
	return route.Regex.MatchString(path)
}

// AllowedMethods lists the methods registered for path, in registration order
// without duplicates. Routes without a subdomain apply to every subdomain.
func (r *Router) AllowedMethods(path, subdomain string) []web.Method {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var methods []web.Method
	seen := make(map[web.Method]bool)
	for _, route := range r.routes {
		if route.Subdomain != "" && route.Subdomain != subdomain {
			continue
		}
		if route.Path != path && !matchSegments(route.Path, path) {
			continue
		}
		if !seen[route.Method] {
			seen[route.Method] = true
			methods = append(methods, route.Method)
		}
	}
	return methods
}

// HasPath reports whether a route is registered with exactly this path and subdomain.
func (r *Router) HasPath(path, subdomain string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, route := range r.routes {
		if route.Path == path && route.Subdomain == subdomain {
			return true
		}
	}
	return false
}

// matchSegments compares "/a/:x/c" with "/a/b/c"; ":x" matches any single segment.
func matchSegments(routePath, requestPath string) bool {
	routeParts := strings.Split(routePath, "/")
	requestParts := strings.Split(requestPath, "/")
	if len(routeParts) != len(requestParts) {
		return false
	}
	for i, part := range routeParts {
		if !strings.HasPrefix(part, ":") && part != requestParts[i] {
			return false
		}
	}
	return true
}

// ExtractParams returns the named regex captures, or the ":name" segments for routes without a regex.
func (r *Router) ExtractParams(route *Route, requestPath string) map[string]string {
	params := make(map[string]string)

	if route.Regex != nil {
		loc := route.Regex.FindStringSubmatchIndex(requestPath)
		if loc == nil {
			return params
		}
		// Groups that took no part in the match have start index -1 and are skipped.
		for i, name := range route.Regex.SubexpNames() {
			if name == "" || 2*i+1 >= len(loc) || loc[2*i] < 0 {
				continue
			}
			params[name] = requestPath[loc[2*i]:loc[2*i+1]]
		}
		return params
	}

	routeParts := strings.Split(route.Path, "/")
	requestParts := strings.Split(requestPath, "/")
	for i, part := range routeParts {
		if i >= len(requestParts) {
			break
		}
		if name, ok := strings.CutPrefix(part, ":"); ok {
			params[name] = requestParts[i]
		}
	}
	return params
}
