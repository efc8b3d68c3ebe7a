// Copyright 2025 Nooterra
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

package coordinator

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	signatureHeader = "x-nooterra-signature"
	eventHeader     = "x-nooterra-event"
)

// signPayload computes the hex HMAC-SHA256 of body under the shared webhook
// secret. Outbound deliveries and workflow webhooks carry it in
// x-nooterra-signature so receivers can authenticate the coordinator.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyPayloadSignature(secret string, body []byte, signature string) bool {
	expected := signPayload(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// canonicalJSON re-encodes a JSON document with object keys sorted, so the
// same logical value always signs to the same bytes regardless of how the
// submitter ordered its fields.
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// verifyResultSignature checks an agent's ed25519 signature (hex) over the
// canonical form of the result document.
func verifyResultSignature(publicKey []byte, result json.RawMessage, signature string) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key length %d", ErrInvalidSignature, len(publicKey))
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrInvalidSignature)
	}
	msg, err := canonicalJSON(result)
	if err != nil {
		return fmt.Errorf("%w: result is not valid JSON", ErrInvalidSignature)
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// hashResult is the stored fingerprint of an accepted result document.
func hashResult(result json.RawMessage) string {
	msg, err := canonicalJSON(result)
	if err != nil {
		msg = []byte(result)
	}
	sum := sha256.Sum256(msg)
	return hex.EncodeToString(sum[:])
}

// mintToken issues a requester JWT valid for seven days.
func mintToken(secret, subject string) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"iss": "nooterra-coordinator",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(7 * 24 * time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(secret, raw string) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}

// apiGuard protects admin routes: requests must present the configured API
// key in x-api-key. An empty configured key disables the guard (dev mode).
func apiGuard(apiKey string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if apiKey != "" && r.Header.Get("x-api-key") != apiKey {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// bearerGuard accepts either the API key or a valid requester JWT. The
// authenticated subject, when present, lands in the x-auth-subject header for
// downstream handlers.
func bearerGuard(apiKey, jwtSecret string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if apiKey == "" && jwtSecret == "" {
			next(w, r)
			return
		}
		if apiKey != "" && r.Header.Get("x-api-key") == apiKey {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if jwtSecret != "" && strings.HasPrefix(auth, "Bearer ") {
			sub, err := parseToken(jwtSecret, strings.TrimPrefix(auth, "Bearer "))
			if err == nil {
				r.Header.Set("x-auth-subject", sub)
				next(w, r)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "unauthorized")
	}
}
