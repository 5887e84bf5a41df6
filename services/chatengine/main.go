// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/kodiak/pkg/logging"
	"github.com/AleutianAI/kodiak/services/chatengine/cache"
	"github.com/AleutianAI/kodiak/services/chatengine/conversation"
	"github.com/AleutianAI/kodiak/services/chatengine/engine"
	"github.com/AleutianAI/kodiak/services/chatengine/handlers"
	"github.com/AleutianAI/kodiak/services/chatengine/observability"
	"github.com/AleutianAI/kodiak/services/chatengine/routes"
	"github.com/AleutianAI/kodiak/services/chatengine/store"
	"github.com/AleutianAI/kodiak/services/llm"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "kodiak-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("chatengine-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func main() {
	port := os.Getenv("CHATENGINE_PORT")
	if port == "" {
		port = "12220"
	}

	appLogger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("LOG_LEVEL")),
		Service: "chatengine",
		JSON:    true,
	})
	defer appLogger.Close()
	logger := appLogger.Slog()
	slog.SetDefault(logger)

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	dbPath := os.Getenv("CHAT_DB_PATH")
	if dbPath == "" {
		dbPath = "/data/kodiak/chat.db"
	}
	sessionStore, err := store.New(dbPath)
	if err != nil {
		log.Fatalf("FATAL: could not open the session store at %s: %v", dbPath, err)
	}
	defer sessionStore.Close()

	var conversationCache cache.ConversationCache
	if envBool("CACHE_ENABLED", true) {
		cachePath := os.Getenv("CACHE_PATH")
		if cachePath == "" {
			cachePath = "/data/kodiak/cache"
		}
		cfg := cache.DefaultConfig(cachePath)
		cfg.Logger = logger
		conversationCache, err = cache.New(cfg)
		if err != nil {
			slog.Warn("cache unavailable, continuing without the conversation mirror",
				"path", cachePath, "error", err)
			conversationCache = cache.NewNop()
		}
	} else {
		slog.Info("CACHE_ENABLED is false, running without the conversation mirror")
		conversationCache = cache.NewNop()
	}
	defer conversationCache.Close()

	log.Println("Configuring the LLM provider")
	provider, err := llm.NewProviderFromEnv(logger)
	if err != nil {
		log.Fatalf("Failed to initialize LLM provider: %v", err)
	}

	builder := conversation.NewBuilder(sessionStore, conversationCache,
		conversation.DefaultConfig(), logger)
	eng := engine.New(sessionStore, conversationCache, provider, builder,
		engine.DefaultConfig(), logger)

	router := gin.Default()
	router.Use(otelgin.Middleware("chatengine-service"))

	routes.SetupRoutes(router,
		handlers.NewChatHandler(eng, logger),
		handlers.NewSessionsHandler(eng, logger))
	log.Println("started up the container")

	log.Println("Starting the chat engine server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
