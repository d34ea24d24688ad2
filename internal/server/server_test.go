package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/cargoal/internal/renderer"
	"github.com/kjstillabower/cargoal/internal/web"
)

func text(status int, body string) *web.Response {
	return web.NewResponse(status, body)
}

func blockPath(path string) func(*web.Request) *web.Response {
	return func(req *web.Request) *web.Response {
		if req.Path == path {
			return text(http.StatusForbidden, "Forbidden by middleware")
		}
		return nil
	}
}

func blockAll(*web.Request) *web.Response {
	return text(http.StatusForbidden, "Forbidden by middleware")
}

func paramHandler(name, format string) func(*web.Request) *web.Response {
	return func(req *web.Request) *web.Response {
		v, ok := req.Param(name)
		if !ok {
			return text(http.StatusBadRequest, "Missing "+name)
		}
		return text(http.StatusOK, fmt.Sprintf(format, v))
	}
}

func staticFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"styles.css":    "body { margin: 0; }",
		"script.js":     "console.log('loaded');",
		"malicious.php": "<?php system($_GET['c']); ?>",
		"malicious.exe": "MZ",
		"big_file.dat":  strings.Repeat("0", 4096),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func mustRegister(t *testing.T, b *RouteBuilder) {
	t.Helper()
	if err := b.Register(); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
}

// newTestApp builds the application used by the request tests: template,
// handler, dynamic, regex, group and middleware routes.
func newTestApp(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.TemplateDirs == nil {
		opts.TemplateDirs = []string{"testdata/templates"}
	}
	if opts.StaticDir == "" {
		opts.StaticDir = staticFixture(t)
	}
	if opts.MaxStaticFileSize == 0 {
		opts.MaxStaticFileSize = 1024
	}
	opts.HealthPath = "/healthz"
	opts.MetricsPath = "/metrics"
	s := New(opts, zap.NewNop())

	s.Use(func(req *web.Request) *web.Response {
		req.Logger().Debug("request received", zap.String("path", req.Path))
		return nil
	})
	s.Use(blockPath("/middleware-block"))

	page := func(title, message string) ContextFunc {
		return func(*web.Request) renderer.Context {
			return renderer.Context{"title": title, "message": message}
		}
	}
	mustRegister(t, s.Route("/", web.GET).WithSubdomain("www").WithTemplate("home.html").WithContext(page("Home Page", "Welcome to the Home Page!")))
	mustRegister(t, s.Route("/about", web.GET).WithTemplate("about.html").WithContext(page("About Us", "Learn more about us here.")))
	mustRegister(t, s.Route("/conditional", web.GET).WithTemplate("conditional.html").WithContext(func(*web.Request) renderer.Context {
		return renderer.Context{"is_logged_in": true}
	}))
	mustRegister(t, s.Route("/list", web.GET).WithTemplate("list.html").WithContext(func(*web.Request) renderer.Context {
		return renderer.Context{"items": []string{"Item 1", "Item 2", "Item 3"}}
	}))
	mustRegister(t, s.Route("/filters", web.GET).WithTemplate("filters.html").WithContext(func(*web.Request) renderer.Context {
		return renderer.Context{
			"uppercase_text": "uppercase text",
			"lowercase_text": "LOWERCASE TEXT",
			"trimmed_text":   "   Trimmed Text   ",
		}
	}))
	mustRegister(t, s.Route("/include", web.GET).WithTemplate("include.html").WithContext(func(*web.Request) renderer.Context {
		return renderer.Context{"title": "Include Test", "content": "Main Content Section"}
	}))
	mustRegister(t, s.Route("/escaping", web.GET).WithTemplate("escaping.html").WithContext(func(*web.Request) renderer.Context {
		return renderer.Context{"user_input": "<script>alert('XSS')</script>"}
	}))
	mustRegister(t, s.Route("/missing", web.GET).WithTemplate("missing.html"))
	mustRegister(t, s.Route("/not_allowed", web.GET).WithTemplate("not_allowed.txt"))
	mustRegister(t, s.Route("/corrupt", web.GET).WithTemplate("corrupt.html"))
	mustRegister(t, s.Route("/injection", web.GET).WithTemplate("injection.html"))
	mustRegister(t, s.Route("/no-template", web.GET))

	mustRegister(t, s.Route("/query-test", web.GET).WithHandler(paramHandler("name", "Hello, %s!")))
	mustRegister(t, s.Route("/submit", web.POST).WithSubdomain("api").WithHandler(func(req *web.Request) *web.Response {
		if req.Body == "" {
			return text(http.StatusBadRequest, "No body provided")
		}
		return text(http.StatusOK, "Received body: "+req.Body).WithHeader("Content-Type", "text/plain")
	}))
	mustRegister(t, s.Route("/about/:id", web.GET).WithSubdomain("api").WithHandler(paramHandler("id", "Details about ID: %s")))

	s.Group("/v1", func(g *GroupBuilder) {
		mustRegister(t, g.Route("/users", web.GET).WithSubdomain("api").WithHandler(func(*web.Request) *web.Response {
			return text(http.StatusOK, `[{"id":1,"name":"Alice"},{"id":2,"name":"Bob"}]`).WithHeader("Content-Type", "application/json")
		}))
		mustRegister(t, g.Route("/users/:id", web.GET).WithSubdomain("api").WithRegex(`^/v1/users/(?P<id>\d+)$`).WithHandler(paramHandler("id", "Details about ID: %s")))
		mustRegister(t, g.Route("/orders/:order_id", web.GET).WithRegex(`^/v1/orders/(?P<order_id>[a-zA-Z0-9_-]+)$`).WithHandler(paramHandler("order_id", "Details about order ID: %s")))
		mustRegister(t, g.Route("/items/:name", web.GET).WithRegex(`^/v1/items/(?P<name>[a-zA-Z]+)$`).WithHandler(paramHandler("name", "Details about item name: %s")))
	})

	mustRegister(t, s.Route("/options-test", web.OPTIONS).WithSubdomain("api").WithHandler(func(*web.Request) *web.Response {
		return text(http.StatusOK, "Available methods: GET, POST").WithHeader("Allow", "GET, POST")
	}))

	mustRegister(t, s.Route("/middleware-test/log", web.GET).WithHandler(func(*web.Request) *web.Response {
		return text(http.StatusOK, "Middleware executed!")
	}))
	mustRegister(t, s.Route("/middleware-block-2", web.GET).WithMiddleware(blockAll))
	s.Group("/middleware-block-3", func(g *GroupBuilder) {
		g.Use(blockAll)
		mustRegister(t, g.Route("/block", web.GET).WithHandler(func(*web.Request) *web.Response {
			return text(http.StatusOK, "This should not be reached")
		}))
	})
	return s
}

type requestOpt func(*http.Request)

func withSubdomain(sub string) requestOpt {
	return func(r *http.Request) { r.Header.Set(MockSubdomainHeader, sub) }
}

func do(h http.Handler, method, target, body string, opts ...requestOpt) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for _, opt := range opts {
		opt(req)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// TestTemplates verifies template routes render with their context, and that
// missing, non-html and broken templates map to 404/500.
func TestTemplates(t *testing.T) {
	h := newTestApp(t, Options{}).Handler()

	tests := []struct {
		name       string
		path       string
		subdomain  string
		wantStatus int
		contains   []string
		excludes   []string
	}{
		{"home", "/", "www", http.StatusOK, []string{"<h1>Home Page</h1>", "<p>Welcome to the Home Page!</p>"}, []string{"Error rendering template"}},
		{"about", "/about", "", http.StatusOK, []string{"<h1>About Us</h1>", "<p>Learn more about us here.</p>"}, nil},
		{"conditional", "/conditional", "", http.StatusOK, []string{"You are logged in."}, []string{"Please log in."}},
		{"loops", "/list", "", http.StatusOK, []string{"<li>Item 1</li>", "<li>Item 2</li>", "<li>Item 3</li>"}, nil},
		{"filters", "/filters", "", http.StatusOK, []string{"<p>UPPERCASE TEXT</p>", "<p>lowercase text</p>", "<p>Trimmed Text</p>"}, nil},
		{"includes", "/include", "", http.StatusOK, []string{"Header Section", "Main Content Section", "Footer Section"}, nil},
		{"escaping", "/escaping", "", http.StatusOK, []string{"&lt;script&gt;"}, []string{"<script>"}},
		{"missing template", "/missing", "", http.StatusNotFound, []string{"Template 'missing.html' not found!"}, nil},
		{"only html loaded", "/not_allowed", "", http.StatusNotFound, []string{"Template 'not_allowed.txt' not found!"}, nil},
		{"corrupt template", "/corrupt", "", http.StatusInternalServerError, []string{"Internal Server Error"}, nil},
		{"injection", "/injection", "", http.StatusInternalServerError, nil, nil},
		{"template not set", "/no-template", "", http.StatusInternalServerError, []string{"Template not set."}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []requestOpt
			if tt.subdomain != "" {
				opts = append(opts, withSubdomain(tt.subdomain))
			}
			w := do(h, http.MethodGet, tt.path, "", opts...)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %q)", w.Code, tt.wantStatus, w.Body.String())
			}
			if ct := w.Header().Get("Content-Type"); ct != "text/html" {
				t.Errorf("Content-Type = %q, want text/html", ct)
			}
			body := w.Body.String()
			for _, s := range tt.contains {
				if !strings.Contains(body, s) {
					t.Errorf("body %q missing %q", body, s)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(body, s) {
					t.Errorf("body %q should not contain %q", body, s)
				}
			}
		})
	}
}

// TestRoutes verifies dynamic, regex, grouped and subdomain routing and the
// 404/405 fallbacks.
func TestRoutes(t *testing.T) {
	h := newTestApp(t, Options{}).Handler()

	tests := []struct {
		name       string
		method     string
		path       string
		subdomain  string
		body       string
		wantStatus int
		wantBody   string
		wantAllow  string
	}{
		{"group users", http.MethodGet, "/v1/users", "api", "", http.StatusOK, `[{"id":1,"name":"Alice"},{"id":2,"name":"Bob"}]`, ""},
		{"regex user id", http.MethodGet, "/v1/users/42", "api", "", http.StatusOK, "Details about ID: 42", ""},
		{"regex user id without subdomain", http.MethodGet, "/v1/users/abc", "", "", http.StatusNotFound, "Not Found", ""},
		{"regex user id rejects letters", http.MethodGet, "/v1/users/abc", "api", "", http.StatusNotFound, "Not Found", ""},
		{"regex item name", http.MethodGet, "/v1/items/widget", "", "", http.StatusOK, "Details about item name: widget", ""},
		{"regex item rejects digits", http.MethodGet, "/v1/items/widget123", "", "", http.StatusNotFound, "Not Found", ""},
		{"regex order id", http.MethodGet, "/v1/orders/order-123_456", "", "", http.StatusOK, "Details about order ID: order-123_456", ""},
		{"dynamic route", http.MethodGet, "/about/123", "api", "", http.StatusOK, "Details about ID: 123", ""},
		{"dynamic missing param", http.MethodGet, "/about/", "api", "", http.StatusNotFound, "Not Found", ""},
		{"options", http.MethodOptions, "/options-test", "api", "", http.StatusOK, "Available methods: GET, POST", "GET, POST"},
		{"unknown route", http.MethodGet, "/unknown-route", "", "", http.StatusNotFound, "Not Found", ""},
		{"unknown subdomain", http.MethodGet, "/", "unknown", "", http.StatusNotFound, "Not Found", ""},
		{"method not allowed", http.MethodDelete, "/about", "", "", http.StatusMethodNotAllowed, "Method Not Allowed", "GET"},
		{"post body", http.MethodPost, "/submit", "api", "Test body content", http.StatusOK, "Received body: Test body content", ""},
		{"post without body", http.MethodPost, "/submit", "api", "", http.StatusBadRequest, "No body provided", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []requestOpt
			if tt.subdomain != "" {
				opts = append(opts, withSubdomain(tt.subdomain))
			}
			w := do(h, tt.method, tt.path, tt.body, opts...)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %q)", w.Code, tt.wantStatus, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", w.Body.String(), tt.wantBody)
			}
			if tt.wantAllow != "" && w.Header().Get("Allow") != tt.wantAllow {
				t.Errorf("Allow = %q, want %q", w.Header().Get("Allow"), tt.wantAllow)
			}
		})
	}
}

// TestTrailingSlashRedirect verifies a trailing slash redirects to the
// registered route and keeps the query string.
func TestTrailingSlashRedirect(t *testing.T) {
	h := newTestApp(t, Options{}).Handler()

	w := do(h, http.MethodGet, "/about/", "")
	if w.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want 301", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/about" {
		t.Errorf("Location = %q, want /about", loc)
	}

	w = do(h, http.MethodGet, "/query-test/?name=Alice", "")
	if loc := w.Header().Get("Location"); loc != "/query-test?name=Alice" {
		t.Errorf("Location = %q, want /query-test?name=Alice", loc)
	}

	w = do(h, http.MethodGet, "/about", "")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "text/html" {
		t.Errorf("redirect target: status = %d, Content-Type = %q", w.Code, w.Header().Get("Content-Type"))
	}
}

// TestQueryParameters verifies query parameters reach handlers, including
// empty values and extra parameters.
func TestQueryParameters(t *testing.T) {
	h := newTestApp(t, Options{}).Handler()

	tests := []struct {
		target     string
		wantStatus int
		wantBody   string
	}{
		{"/query-test?name=Alice", http.StatusOK, "Hello, Alice!"},
		{"/query-test", http.StatusBadRequest, "Missing name"},
		{"/query-test?name=Bob&age=25", http.StatusOK, "Hello, Bob!"},
		{"/query-test?name=", http.StatusOK, "Hello, !"},
		{"/query-test?name=Jos%C3%A9", http.StatusOK, "Hello, José!"},
	}
	for _, tt := range tests {
		w := do(h, http.MethodGet, tt.target, "")
		if w.Code != tt.wantStatus || !strings.Contains(w.Body.String(), tt.wantBody) {
			t.Errorf("GET %s = %d %q, want %d %q", tt.target, w.Code, w.Body.String(), tt.wantStatus, tt.wantBody)
		}
	}
}

// TestRouteParamsMergeWithQuery verifies route parameters are merged into the
// query parameters and win when both use the same name.
func TestRouteParamsMergeWithQuery(t *testing.T) {
	h := newTestApp(t, Options{}).Handler()

	w := do(h, http.MethodGet, "/about/123?id=9", "", withSubdomain("api"))
	if w.Code != http.StatusOK || w.Body.String() != "Details about ID: 123" {
		t.Errorf("GET /about/123?id=9 = %d %q, want route id 123", w.Code, w.Body.String())
	}

	s := New(Options{TemplateDirs: []string{}}, zap.NewNop())
	both := func(req *web.Request) *web.Response {
		id, _ := req.Param("id")
		order, hasSort := req.Param("sort")
		return text(http.StatusOK, fmt.Sprintf("id=%s sort=%s present=%t", id, order, hasSort))
	}
	mustRegister(t, s.Route("/users/:id", web.GET).WithHandler(both))
	mustRegister(t, s.Route("/items", web.GET).WithRegex(`^/items(?:/(?P<id>\d+))?$`).WithHandler(both))
	h = s.Handler()

	tests := []struct {
		target   string
		wantBody string
	}{
		{"/users/7?sort=name", "id=7 sort=name present=true"},
		{"/users/7", "id=7 sort= present=false"},
		// An optional group that did not match must not erase the query value.
		{"/items?id=5", "id=5 sort= present=false"},
		{"/items/8?id=5", "id=8 sort= present=false"},
	}
	for _, tt := range tests {
		w := do(h, http.MethodGet, tt.target, "")
		if w.Code != http.StatusOK || w.Body.String() != tt.wantBody {
			t.Errorf("GET %s = %d %q, want 200 %q", tt.target, w.Code, w.Body.String(), tt.wantBody)
		}
	}
}

// TestHandlerReturningNil verifies a handler without a response yields a logged 500.
func TestHandlerReturningNil(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := New(Options{TemplateDirs: []string{}}, zap.New(core))
	mustRegister(t, s.Route("/nothing", web.GET).WithHandler(func(*web.Request) *web.Response { return nil }))

	w := do(s.Handler(), http.MethodGet, "/nothing", "")
	if w.Code != http.StatusInternalServerError || w.Body.String() != "Internal Server Error" {
		t.Errorf("GET /nothing = %d %q, want 500 Internal Server Error", w.Code, w.Body.String())
	}
	if n := logs.FilterMessage("handler returned no response").Len(); n != 1 {
		t.Errorf("got %d error logs, want 1", n)
	}
}

// TestRequestTimeout verifies framework handlers receive a context with the
// configured deadline, while a zero timeout leaves the context unbounded.
func TestRequestTimeout(t *testing.T) {
	waitForDeadline := func(req *web.Request) *web.Response {
		ctx := req.Context()
		if _, ok := ctx.Deadline(); !ok {
			return text(http.StatusOK, "no deadline")
		}
		<-ctx.Done()
		return text(http.StatusServiceUnavailable, ctx.Err().Error())
	}

	s := New(Options{TemplateDirs: []string{}, RequestTimeout: 20 * time.Millisecond}, zap.NewNop())
	mustRegister(t, s.Route("/slow", web.GET).WithHandler(waitForDeadline))
	w := do(s.Handler(), http.MethodGet, "/slow", "")
	if w.Code != http.StatusServiceUnavailable || w.Body.String() != context.DeadlineExceeded.Error() {
		t.Errorf("GET /slow = %d %q, want 503 %q", w.Code, w.Body.String(), context.DeadlineExceeded.Error())
	}

	s = New(Options{TemplateDirs: []string{}}, zap.NewNop())
	mustRegister(t, s.Route("/slow", web.GET).WithHandler(waitForDeadline))
	w = do(s.Handler(), http.MethodGet, "/slow", "")
	if w.Code != http.StatusOK || w.Body.String() != "no deadline" {
		t.Errorf("GET /slow without timeout = %d %q, want 200 no deadline", w.Code, w.Body.String())
	}
}

// TestMiddleware verifies global, route and group middlewares can short-circuit.
func TestMiddleware(t *testing.T) {
	h := newTestApp(t, Options{}).Handler()

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/middleware-test/log", http.StatusOK, "Middleware executed!"},
		{"/middleware-block", http.StatusForbidden, "Forbidden by middleware"},
		{"/middleware-block-2", http.StatusForbidden, "Forbidden by middleware"},
		{"/middleware-block-3/block", http.StatusForbidden, "Forbidden by middleware"},
	}
	for _, tt := range tests {
		w := do(h, http.MethodGet, tt.path, "")
		if w.Code != tt.wantStatus || !strings.Contains(w.Body.String(), tt.wantBody) {
			t.Errorf("GET %s = %d %q, want %d %q", tt.path, w.Code, w.Body.String(), tt.wantStatus, tt.wantBody)
		}
	}
}

// TestGroupMiddleware_AppliesToLaterRoutesOnly verifies a group middleware
// added after a route was started does not affect that route.
func TestGroupMiddleware_AppliesToLaterRoutesOnly(t *testing.T) {
	s := New(Options{TemplateDirs: []string{}}, zap.NewNop())
	ok := func(*web.Request) *web.Response { return text(http.StatusOK, "ok") }
	s.Group("/g", func(g *GroupBuilder) {
		mustRegister(t, g.Route("/open", web.GET).WithHandler(ok))
		g.Use(blockAll)
		mustRegister(t, g.Route("/closed", web.GET).WithHandler(ok))
	})

	if w := do(s, http.MethodGet, "/g/open", ""); w.Code != http.StatusOK {
		t.Errorf("/g/open status = %d, want 200", w.Code)
	}
	if w := do(s, http.MethodGet, "/g/closed", ""); w.Code != http.StatusForbidden {
		t.Errorf("/g/closed status = %d, want 403", w.Code)
	}
}

// TestGlobalMiddleware_RunsForStatic verifies global middlewares see static requests.
func TestGlobalMiddleware_RunsForStatic(t *testing.T) {
	s := newTestApp(t, Options{})
	s.Use(blockPath("/static/styles.css"))

	if w := do(s, http.MethodGet, "/static/styles.css", ""); w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

// TestStatic verifies static file serving through the full handler.
func TestStatic(t *testing.T) {
	h := newTestApp(t, Options{}).Handler()

	tests := []struct {
		path       string
		wantStatus int
		wantType   string
		wantBody   string
	}{
		{"/static/styles.css", http.StatusOK, "text/css", "body {"},
		{"/static/script.js", http.StatusOK, "application/javascript", "console.log("},
		{"/static/malicious.php", http.StatusForbidden, "", "Forbidden"},
		{"/static/malicious.exe", http.StatusForbidden, "", "Forbidden"},
		{"/static/", http.StatusForbidden, "", "Forbidden"},
		{"/static/big_file.dat", http.StatusRequestEntityTooLarge, "", "Payload Too Large"},
		{"/static/../server.go", http.StatusForbidden, "", "Forbidden"},
		{"/static/nope.css", http.StatusNotFound, "", "File Not Found"},
	}
	for _, tt := range tests {
		w := do(h, http.MethodGet, tt.path, "")
		if w.Code != tt.wantStatus {
			t.Errorf("GET %s status = %d, want %d", tt.path, w.Code, tt.wantStatus)
			continue
		}
		if tt.wantType != "" {
			if ct := w.Header().Get("Content-Type"); ct != tt.wantType {
				t.Errorf("GET %s Content-Type = %q, want %q", tt.path, ct, tt.wantType)
			}
			if w.Header().Get("X-Content-Type-Options") != "nosniff" || w.Header().Get("X-Frame-Options") != "DENY" {
				t.Errorf("GET %s missing security headers: %v", tt.path, w.Header())
			}
		}
		if !strings.Contains(w.Body.String(), tt.wantBody) {
			t.Errorf("GET %s body = %q, want it to contain %q", tt.path, w.Body.String(), tt.wantBody)
		}
	}
}

// TestSetters verifies static and template settings can change after New.
func TestSetters(t *testing.T) {
	s := newTestApp(t, Options{})

	s.SetMaxStaticFileSize(8192)
	if w := do(s, http.MethodGet, "/static/big_file.dat", ""); w.Code != http.StatusOK {
		t.Errorf("after SetMaxStaticFileSize: status = %d, want 200", w.Code)
	}

	other := t.TempDir()
	if err := os.WriteFile(filepath.Join(other, "styles.css"), []byte("p {}"), 0o644); err != nil {
		t.Fatal(err)
	}
	s.SetStaticDir(other)
	if w := do(s, http.MethodGet, "/static/styles.css", ""); w.Body.String() != "p {}" {
		t.Errorf("after SetStaticDir: body = %q", w.Body.String())
	}

	if err := s.SetTemplateDirs(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("SetTemplateDirs(missing) expected error")
	}
	if w := do(s, http.MethodGet, "/about", ""); w.Code != http.StatusOK {
		t.Errorf("templates should survive a failed SetTemplateDirs, status = %d", w.Code)
	}

	tplDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tplDir, "about.html"), []byte("replaced {{ title }}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTemplateDirs(tplDir); err != nil {
		t.Fatalf("SetTemplateDirs() error = %v", err)
	}
	if got := s.TemplateDirs(); len(got) != 1 || got[0] != tplDir {
		t.Errorf("TemplateDirs() = %v", got)
	}
	if w := do(s, http.MethodGet, "/about", ""); w.Body.String() != "replaced About Us" {
		t.Errorf("after SetTemplateDirs: body = %q", w.Body.String())
	}
}

// TestNew_MissingTemplateDir verifies a missing default template dir is not fatal.
func TestNew_MissingTemplateDir(t *testing.T) {
	s := New(Options{TemplateDirs: []string{filepath.Join(t.TempDir(), "nope")}}, nil)
	mustRegister(t, s.Route("/", web.GET).WithTemplate("index.html"))
	if w := do(s, http.MethodGet, "/", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// TestRegister_InvalidRegex verifies a bad pattern is reported, not panicked on.
func TestRegister_InvalidRegex(t *testing.T) {
	s := New(Options{TemplateDirs: []string{}}, zap.NewNop())
	if err := s.Route("/x/:id", web.GET).WithRegex(`^/x/(?P<id>[0-9+$`).Register(); err == nil {
		t.Fatal("Register() expected error for invalid regex")
	}
	if len(s.Routes()) != 0 {
		t.Errorf("Routes() = %d, want 0", len(s.Routes()))
	}
}

// TestBodyTooLarge verifies bodies above MaxBodySize are rejected with 413.
func TestBodyTooLarge(t *testing.T) {
	s := newTestApp(t, Options{MaxBodySize: 8})

	w := do(s.Handler(), http.MethodPost, "/submit", "this body is too long", withSubdomain("api"))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
	w = do(s.Handler(), http.MethodPost, "/submit", "short", withSubdomain("api"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestSubdomainOf(t *testing.T) {
	tests := []struct {
		host   string
		header string
		want   string
	}{
		{"api.example.com", "", "api"},
		{"api.example.com:8080", "www", "api"},
		{"www.localhost:8080", "", "www"},
		{"example.com", "", ""},
		{"example.com", "api", "api"},
		{"localhost:8080", "api", "api"},
		{"127.0.0.1:8080", "", ""},
		{"[::1]:8080", "www", "www"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Host = tt.host
		if tt.header != "" {
			req.Header.Set(MockSubdomainHeader, tt.header)
		}
		if got := subdomainOf(req); got != tt.want {
			t.Errorf("subdomainOf(host=%q, header=%q) = %q, want %q", tt.host, tt.header, got, tt.want)
		}
	}
}

// TestHostSubdomainRouting verifies the Host header selects subdomain routes.
func TestHostSubdomainRouting(t *testing.T) {
	h := newTestApp(t, Options{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
	req.Host = "api.example.com"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

// TestCorrelationID verifies ids are generated when absent and echoed when present.
func TestCorrelationID(t *testing.T) {
	h := newTestApp(t, Options{}).Handler()

	w := do(h, http.MethodGet, "/about", "")
	if w.Header().Get(CorrelationIDHeader) == "" {
		t.Error("expected generated X-Correlation-ID")
	}

	var seen string
	s := New(Options{TemplateDirs: []string{}}, zap.NewNop())
	mustRegister(t, s.Route("/id", web.GET).WithHandler(func(req *web.Request) *web.Response {
		seen = req.CorrelationID()
		return text(http.StatusOK, "ok")
	}))
	w = do(s.Handler(), http.MethodGet, "/id", "", func(r *http.Request) { r.Header.Set(CorrelationIDHeader, "abc-123") })
	if w.Header().Get(CorrelationIDHeader) != "abc-123" || seen != "abc-123" {
		t.Errorf("correlation id header = %q, handler saw %q, want abc-123", w.Header().Get(CorrelationIDHeader), seen)
	}
}

// TestRenderTemplate_LogsWithCorrelationID verifies template failures are logged
// through the request-scoped logger.
func TestRenderTemplate_LogsWithCorrelationID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := New(Options{TemplateDirs: []string{"testdata/templates"}}, zap.New(core))
	mustRegister(t, s.Route("/missing", web.GET).WithTemplate("missing.html"))

	w := do(s.Handler(), http.MethodGet, "/missing", "", func(r *http.Request) { r.Header.Set(CorrelationIDHeader, "req-1") })
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}

	entries := logs.FilterMessage("render template").All()
	if len(entries) != 1 {
		t.Fatalf("got %d render template logs, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.ErrorLevel {
		t.Errorf("level = %v, want error", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["correlation_id"] != "req-1" || fields["template"] != "missing.html" {
		t.Errorf("fields = %v, want correlation_id req-1 and template missing.html", fields)
	}
}

// TestHealthAndMetrics verifies the ambient endpoints and shutdown reporting.
func TestHealthAndMetrics(t *testing.T) {
	s := newTestApp(t, Options{})
	h := s.Handler()

	w := do(h, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/healthz status = %d, want 200", w.Code)
	}
	var health healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("status = %q, want healthy", health.Status)
	}

	_ = do(h, http.MethodGet, "/about/7", "", withSubdomain("api"))
	w = do(h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `route="/about/:id"`) {
		t.Error("metrics should label requests with the route pattern")
	}

	s.shuttingDown.Store(true)
	if w := do(h, http.MethodGet, "/healthz", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("/healthz during shutdown status = %d, want 503", w.Code)
	}
}

// TestRateLimit verifies 429 with a JSON error once the bucket is empty.
func TestRateLimit(t *testing.T) {
	h := newTestApp(t, Options{RateLimitRPS: 1, RateLimitBurst: 1}).Handler()

	if w := do(h, http.MethodGet, "/about", ""); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	w := do(h, http.MethodGet, "/about", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	var body struct {
		Error struct {
			Code      string `json:"code"`
			RequestID string `json:"requestId"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "RATE_LIMITED" || body.Error.RequestID == "" {
		t.Errorf("error body = %+v", body.Error)
	}

	if w := do(h, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("/healthz should not be rate limited, status = %d", w.Code)
	}
}

// TestHighLoad verifies concurrent requests against a shared server.
func TestHighLoad(t *testing.T) {
	s := newTestApp(t, Options{})
	h := s.Handler()

	var failures atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w := do(h, http.MethodGet, "/v1/users", "", withSubdomain("api")); w.Code != http.StatusOK {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := failures.Load(); n != 0 {
		t.Errorf("%d requests failed", n)
	}
	if s.InFlight() != 0 {
		t.Errorf("InFlight() = %d after all requests finished", s.InFlight())
	}
}
