package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/kjstillabower/cargoal/internal/config"
	"github.com/kjstillabower/cargoal/internal/db"
	"github.com/kjstillabower/cargoal/internal/renderer"
	"github.com/kjstillabower/cargoal/internal/server"
	"github.com/kjstillabower/cargoal/internal/web"
)

func serveCommand(logger *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the demo web application",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address, overrides the configured one",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			opts := cfg.ServerOptions()
			if addr := cmd.String("addr"); addr != "" {
				opts.Addr = addr
			}

			database := connectDatabase(ctx, cfg.Database, logger)
			if database != nil {
				defer database.Close()
			}

			srv := server.New(opts, logger)
			if err := registerRoutes(srv, database); err != nil {
				return err
			}
			logger.Info("server starting", zap.String("addr", opts.Addr), zap.String("env", cfg.Env))
			return srv.Run(ctx)
		},
	}
}

// connectDatabase opens the configured database. The demo serves without one
// when none is configured or it cannot be reached.
func connectDatabase(ctx context.Context, cfg *db.Config, logger *zap.Logger) *db.Database {
	if cfg == nil {
		return nil
	}
	database, err := db.Open(ctx, *cfg, db.WithLogger(logger))
	if err != nil {
		logger.Warn("database unavailable, serving without it", zap.String("type", cfg.Type.String()), zap.Error(err))
		return nil
	}
	logger.Info("database connected", zap.String("type", database.Type().String()))
	return database
}

// registerRoutes declares the demo application.
func registerRoutes(s *server.Server, database *db.Database) error {
	s.Use(func(req *web.Request) *web.Response {
		req.Logger().Debug("request received", zap.String("method", req.Method.String()), zap.String("path", req.Path))
		return nil
	})

	page := func(title, message string) server.ContextFunc {
		return func(*web.Request) renderer.Context {
			return renderer.Context{"title": title, "message": message}
		}
	}

	var errs []error
	register := func(b *server.RouteBuilder) {
		errs = append(errs, b.Register())
	}

	register(s.Route("/", web.GET).WithTemplate("home.html").WithContext(page("Home Page", "Welcome to the Home Page!")))
	register(s.Route("/about", web.GET).WithTemplate("about.html").WithContext(page("About Us", "Learn more about us here.")))
	register(s.Route("/hello", web.GET).WithHandler(func(req *web.Request) *web.Response {
		name, ok := req.Param("name")
		if !ok || name == "" {
			name = "World"
		}
		return plain(http.StatusOK, fmt.Sprintf("Hello, %s!", name))
	}))

	s.Group("/api", func(g *server.GroupBuilder) {
		g.Use(func(req *web.Request) *web.Response {
			if req.Method == web.POST && req.Header.Get("Content-Type") == "" {
				return plain(http.StatusUnsupportedMediaType, "Content-Type required")
			}
			return nil
		})
		register(g.Route("/echo", web.POST).WithHandler(func(req *web.Request) *web.Response {
			if req.Body == "" {
				return plain(http.StatusBadRequest, "No body provided")
			}
			return plain(http.StatusOK, "Received body: "+req.Body)
		}))
		register(g.Route("/users/:id", web.GET).WithRegex(`^/api/users/(?P<id>\d+)$`).WithHandler(func(req *web.Request) *web.Response {
			id, _ := req.Param("id")
			return jsonResponse(http.StatusOK, map[string]string{"id": id})
		}))
		register(g.Route("/tables", web.GET).WithHandler(func(req *web.Request) *web.Response {
			if database == nil {
				return plain(http.StatusServiceUnavailable, "Database not configured")
			}
			tables, err := database.FetchTablesMetadata(req.Context())
			if err != nil {
				req.Logger().Error("fetch tables metadata", zap.Error(err))
				return plain(http.StatusInternalServerError, "Internal Server Error")
			}
			if tables == nil {
				tables = []db.Table{}
			}
			return jsonResponse(http.StatusOK, tables)
		}))
	})

	return errors.Join(errs...)
}

func plain(status int, body string) *web.Response {
	return web.NewResponse(status, body).WithHeader("Content-Type", "text/plain; charset=utf-8")
}

func jsonResponse(status int, v any) *web.Response {
	body, err := json.Marshal(v)
	if err != nil {
		return plain(http.StatusInternalServerError, "Internal Server Error")
	}
	return web.NewRawResponse(status, body).WithHeader("Content-Type", "application/json")
}
