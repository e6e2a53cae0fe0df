// Copyright 2025 ConvoFlow Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AdminClaims is the identity extracted from an admin bearer token.
type AdminClaims struct {
	Subject  string
	TenantID string
	Role     string
}

// validateAdminToken parses and validates an HS256 admin token against the
// shared secret. Admin endpoints require role "admin".
func validateAdminToken(tokenString string, secret []byte) (*AdminClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	ac := &AdminClaims{
		Subject:  getClaimString(claims, "sub"),
		TenantID: getClaimString(claims, "tenant_id"),
		Role:     getClaimString(claims, "role"),
	}
	if ac.Role != "admin" {
		return nil, fmt.Errorf("token lacks admin role")
	}
	return ac, nil
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

// requireAdmin wraps admin handlers with bearer-token validation. With an
// empty secret the admin surface is disabled entirely.
func requireAdmin(secret []byte, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(secret) == 0 {
			writeJSONError(w, http.StatusForbidden, "admin endpoints are disabled: no secret configured")
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := validateAdminToken(strings.TrimPrefix(auth, "Bearer "), secret)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}

		r.Header.Set("X-Admin-Subject", claims.Subject)
		next(w, r)
	}
}
