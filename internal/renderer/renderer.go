// Package renderer loads HTML templates from directories and renders them with
// Django/Jinja syntax. Output is HTML-autoescaped.
package renderer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/flosch/pongo2/v6"
)

// ErrTemplateNotFound is returned by Render for names that were not loaded.
var ErrTemplateNotFound = errors.New("template not found")

// Context is the set of values a template is rendered with.
type Context map[string]any

const templateExt = ".html"

func init() {
	if !pongo2.FilterExists("trim") {
		_ = pongo2.RegisterFilter("trim", filterTrim)
	}
}

func filterTrim(in *pongo2.Value, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	return pongo2.AsValue(strings.TrimSpace(in.String())), nil
}

// Renderer holds the templates found at construction time. Templates are
// compiled on first use and cached.
type Renderer struct {
	dirs   []string
	loader *memoryLoader
	set    *pongo2.TemplateSet
}

// New reads every *.html file directly inside each dir; a later dir overrides
// earlier files with the same name. Only file names are used as template names.
func New(dirs ...string) (*Renderer, error) {
	loader := &memoryLoader{templates: make(map[string][]byte)}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read template dir %q: %w", dir, err)
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() || filepath.Ext(entry.Name()) != templateExt {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			content, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read template %q: %w", path, err)
			}
			loader.templates[entry.Name()] = content
		}
	}

	set := pongo2.NewSet("cargoal", loader)
	return &Renderer{
		dirs:   append([]string(nil), dirs...),
		loader: loader,
		set:    set,
	}, nil
}

// Dirs returns the directories the renderer was loaded from.
func (r *Renderer) Dirs() []string {
	return append([]string(nil), r.dirs...)
}

// Names returns the loaded template names in sorted order.
func (r *Renderer) Names() []string {
	return r.loader.names()
}

// Has reports whether a template with this name was loaded.
func (r *Renderer) Has(name string) bool {
	return r.loader.has(name)
}

// Render executes the named template with ctx.
func (r *Renderer) Render(name string, ctx Context) (string, error) {
	if !r.loader.has(name) {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	tpl, err := r.set.FromCache(name)
	if err != nil {
		return "", fmt.Errorf("parse template %q: %w", name, err)
	}
	if ctx == nil {
		ctx = Context{}
	}
	out, err := tpl.Execute(pongo2.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("render template %q: %w", name, err)
	}
	return out, nil
}

// memoryLoader serves templates from memory so that only loaded *.html files
// can be rendered or included.
type memoryLoader struct {
	mu        sync.RWMutex
	templates map[string][]byte
}

func (l *memoryLoader) Abs(_, name string) string {
	return name
}

func (l *memoryLoader) Get(name string) (io.Reader, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	content, ok := l.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return bytes.NewReader(content), nil
}

func (l *memoryLoader) has(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.templates[name]
	return ok
}

func (l *memoryLoader) names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
