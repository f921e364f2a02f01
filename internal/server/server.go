// Package server is the HTTP transport for the context execution engine
// (spec §6). It is deliberately thin: every route maps 1:1 onto an Engine,
// Supervisor, or Object Store operation, and the transport itself carries no
// domain state.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/rakunlabs/ada"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/voidmerge/internal/config"
	"github.com/rakunlabs/voidmerge/internal/engine"
	"github.com/rakunlabs/voidmerge/internal/objstore"
)

// Server is the VoidMerge HTTP transport: the engine's protocol-agnostic
// operation set rendered as routes (spec §6 "HTTP endpoints").
type Server struct {
	config config.Server

	server *ada.Server

	engine  *engine.Engine
	objects *objstore.Store
}

// New wires the route table described in spec §6 and SPEC_FULL.md §C onto
// the given engine, following the teacher's middleware-chain and
// route-grouping shape verbatim.
func New(cfg config.Server, eng *engine.Engine, objects *objstore.Store) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:  cfg,
		server:  mux,
		engine:  eng,
		objects: objects,
	}

	if cfg.BasePath != "" {
		slog.Info("configuring server with base path", "base_path", cfg.BasePath)
	}

	baseGroup := mux.Group(cfg.BasePath)

	baseGroup.GET("/", s.HealthAPI)

	if cfg.ForwardAuth != nil {
		slog.Info("forward auth enabled", "url", cfg.ForwardAuth.Address)
		baseGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.ForwardAuth)))
	} else {
		slog.Info("forward auth disabled (no forward_auth config)")
	}

	// ─── admin: context registry management (SPEC_FULL.md §C.1/§C.2) ───
	adminGroup := baseGroup.Group("/_vm_/context")
	adminGroup.Use(s.adminAuthMiddleware())
	adminGroup.POST("/{ctx}", s.CreateContextAPI)
	adminGroup.GET("/{ctx}", s.GetContextAPI)
	adminGroup.DELETE("/{ctx}", s.DeleteContextAPI)
	adminGroup.POST("/{ctx}/restart", s.RestartContextAPI)

	// ─── per-context capability surface (spec §6) ───
	ctxGroup := baseGroup.Group("/{ctx}")

	// admin-only: direct store put, gated through objCheckReq (spec §4.5
	// "ObjCheck gating"), but never reaching the handler's main fnReq path.
	objPutGroup := ctxGroup.Group("/_vm_/obj-put")
	objPutGroup.Use(s.adminAuthMiddleware())
	objPutGroup.PUT("/{appPath}/{createdSecs}/{expiresSecs}", s.ObjPutAPI)

	// appPathPrefix may legitimately be empty ("list everything"), so both
	// the bare and prefixed forms route to the same handler.
	ctxGroup.GET("/_vm_/obj-list", s.ObjListAPI)
	ctxGroup.GET("/_vm_/obj-list/{appPathPrefix}", s.ObjListAPI)
	ctxGroup.GET("/_vm_/obj-get/{appPath}", s.ObjGetAPI)
	ctxGroup.GET("/_vm_/msg-listen/{msgId}", s.MsgListenAPI)

	// everything else under /{ctx}/ dispatches to the handler as a fnReq.
	// appPath forbids "/" but a handler's own fn routes may use it freely,
	// so the tail is a genuine multi-segment wildcard.
	ctxGroup.GET("/*", s.FnAPI)
	ctxGroup.PUT("/*", s.FnAPI)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// adminAuthMiddleware protects the admin context-management and obj-put
// endpoints. If no admin_token is configured, every admin request is
// rejected with 403; otherwise requests must carry a matching
// "Authorization: Bearer <token>" header.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.config.AdminToken == "" {
				httpResponse(w, "admin token not configured", http.StatusForbidden)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token := strings.TrimPrefix(auth, "Bearer ")
			if token == auth || token != s.config.AdminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
