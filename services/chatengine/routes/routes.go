// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the chat engine's HTTP endpoints.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/kodiak/services/chatengine/handlers"
	"github.com/AleutianAI/kodiak/services/chatengine/middleware"
)

// SetupRoutes registers every endpoint on the router.
//
//	GET  /health
//	GET  /metrics
//	POST   /v1/chats                              create session
//	GET    /v1/chats                              list sessions
//	DELETE /v1/chats/:chat_id                     delete session (soft)
//	PATCH  /v1/chats/:chat_id/title               rename session
//	POST   /v1/chats/:chat_id/title/generate      generate title
//	POST   /v1/chats/:chat_id/messages            blocking send
//	POST   /v1/chats/:chat_id/messages/stream     streaming send (SSE)
//	GET    /v1/chats/:chat_id/messages            history
//	DELETE /v1/chats/:chat_id/messages            clear history
//	POST   /v1/chats/:chat_id/cancel              cancel generation
//	GET    /v1/chats/:chat_id/generating          generation status
func SetupRoutes(router *gin.Engine, chat handlers.ChatHandler, sessions handlers.SessionsHandler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "chatengine"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.IdentityMiddleware())
	{
		v1.POST("/chats", sessions.CreateChat)
		v1.GET("/chats", sessions.ListChats)
		v1.DELETE("/chats/:chat_id", sessions.DeleteChat)
		v1.PATCH("/chats/:chat_id/title", sessions.RenameChat)
		v1.POST("/chats/:chat_id/title/generate", sessions.GenerateTitle)

		v1.POST("/chats/:chat_id/messages", sessions.SendMessage)
		v1.POST("/chats/:chat_id/messages/stream", chat.StreamChat)
		v1.GET("/chats/:chat_id/messages", sessions.GetHistory)
		v1.DELETE("/chats/:chat_id/messages", sessions.ClearHistory)

		v1.POST("/chats/:chat_id/cancel", chat.CancelChat)
		v1.GET("/chats/:chat_id/generating", chat.IsGenerating)
	}
}
