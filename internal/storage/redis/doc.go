// Package redisstore wraps a go-redis client with the connection, TLS, and
// observability conventions MarQS needs on top of a sorted-set-backed store.
//
// # Overview
//
// DB is a thin wrapper around *redis.Client: it owns connection options
// (host/port/credentials/TLS), the key prefix, and an optional MetricsHook
// for observing command latency. It exposes the raw client through Client();
// the Lua scripts themselves are defined and evaluated in internal/marqs.
//
// Quick start
//
//	db, err := redisstore.Open(ctx, redisstore.Options{
//	    Host: "127.0.0.1", Port: 6379, KeyPrefix: "marqs:",
//	})
//	if err != nil { ... }
//	defer db.Close()
package redisstore
