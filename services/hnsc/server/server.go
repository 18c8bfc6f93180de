// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server is the HTTP transport over the controller. It owns
// everything wire-specific: routing, bearer auth, request-id propagation,
// the status-code mapping for the error taxonomy, and the websocket watch
// stream. The controller itself never sees an HTTP type.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/hnsc/services/hnsc"
	"github.com/AleutianAI/hnsc/services/hnsc/config"
	"github.com/AleutianAI/hnsc/services/hnsc/datatypes"
	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

const (
	headerRequestID = "X-Request-ID"
	headerActorID   = "X-Actor-ID"

	// Gin context keys set by the middleware below.
	ctxRequestID     = "hnsc_request_id"
	ctxAuthenticated = "hnsc_authenticated"
)

// Server serves the control plane API over HTTP.
type Server struct {
	svc    *hnsc.Service
	cfg    config.ServerConfig
	logger *slog.Logger
	http   *http.Server
}

// New assembles the router and listener around an already-constructed
// controller. The caller keeps ownership of svc; Shutdown stops the listener
// but does not close the controller.
func New(svc *hnsc.Service, cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("hnsc"))
	router.Use(requestID())
	router.Use(bearerAuth(cfg.AuthToken))

	h := newHandlers(svc, logger)
	registerRoutes(router, h)

	return &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		http: &http.Server{
			Addr:         cfg.Addr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Handler exposes the assembled router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start blocks serving requests until Shutdown is called or the listener
// fails. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests, bounded by the configured grace when
// ctx carries no earlier deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownGrace)
		defer cancel()
	}
	s.logger.Info("http server draining")
	return s.http.Shutdown(ctx)
}

// requestID propagates the caller's X-Request-ID when it is a well-formed
// UUID and mints one otherwise. The id doubles as the submission's request
// id, so a malformed header is replaced rather than trusted.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.GetHeader(headerRequestID))
		if err != nil {
			id = uuid.New()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id.String())
		c.Next()
	}
}

// bearerAuth validates the shared token when one is configured. Requests
// with no Authorization header pass through unauthenticated; the safety
// gate keeps them out of the restricted modes downstream. Presenting a
// wrong token is rejected here, not downgraded.
func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		raw := c.GetHeader("Authorization")
		if raw == "" {
			c.Next()
			return
		}
		presented, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			resp := datatypes.ErrorResponse(requestIDOf(c),
				hnscerr.New(hnscerr.KindUnauthorized, "invalid bearer token"))
			c.AbortWithStatusJSON(http.StatusUnauthorized, resp)
			return
		}
		c.Set(ctxAuthenticated, true)
		c.Next()
	}
}

func requestIDOf(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(ctxRequestID); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.New()
}
