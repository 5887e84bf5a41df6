// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the chat engine service.
//
// Token validation itself happens upstream in the platform's JWT gateway;
// this package only consumes the identity the gateway forwards. When the
// service runs without the gateway (local development, tests), requests
// fall back to a fixed local identity so the engine still attributes
// messages to someone.
package middleware

import (
	"github.com/gin-gonic/gin"
)

// authInfoKey is the context key for storing AuthInfo.
const authInfoKey = "kodiak_auth_info"

// UserIDHeader carries the authenticated user id forwarded by the gateway.
const UserIDHeader = "X-User-ID"

// localUserID identifies requests that arrived without gateway identity.
const localUserID = "local-user"

// AuthInfo is the identity a request carries through the handler chain.
type AuthInfo struct {
	// UserID is never empty after IdentityMiddleware has run.
	UserID string

	// Authenticated is false for the local fallback identity.
	Authenticated bool
}

// SetAuthInfo stores the request identity in the Gin context.
func SetAuthInfo(c *gin.Context, info *AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the request identity. Returns the local fallback
// when IdentityMiddleware did not run, so handlers never see a nil identity.
func GetAuthInfo(c *gin.Context) *AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*AuthInfo); ok {
			return authInfo
		}
	}
	return &AuthInfo{UserID: localUserID}
}

// IdentityMiddleware resolves the request identity from the gateway header
// and stores it for downstream handlers.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserIDHeader)
		if userID == "" {
			SetAuthInfo(c, &AuthInfo{UserID: localUserID})
		} else {
			SetAuthInfo(c, &AuthInfo{UserID: userID, Authenticated: true})
		}
		c.Next()
	}
}
