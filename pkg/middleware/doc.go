// Package middleware provides dispatch middleware for the strand server:
// Prometheus metrics and OpenTelemetry tracing around request handlers.
//
// Middleware is installed on a Server before Start:
//
//	srv := server.New(cfg)
//	srv.Use(middleware.Prometheus())
//	srv.Use(middleware.OTel())
//
// Each middleware runs on the worker loop the request was dispatched to,
// wrapping the user callback and its response-delivery callback.
package middleware
