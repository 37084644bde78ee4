// Copyright 2025 The Halyard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package basicauth validates HTTP Basic Authentication headers against a
// credential verifier.
package basicauth

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Verifier checks a username/password pair within a realm.
// [credentials.Store] implements it.
type Verifier interface {
	Verify(realm, username, password string) bool
}

// ChallengeError is returned when a request must be rejected with an
// authentication challenge for Realm.
type ChallengeError struct {
	Realm string
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("authentication required for realm %q", e.Realm)
}

// Gate authenticates requests for the realms known to its [Verifier].
// A Gate is stateless and safe for concurrent use.
type Gate struct {
	verifier Verifier
}

// NewGate creates a [Gate] backed by the given verifier.
func NewGate(verifier Verifier) *Gate {
	return &Gate{verifier: verifier}
}

// Authenticate validates rawHeader, the value of an Authorization header, as
// Basic credentials for realm. It returns nil if the credentials are valid,
// and a [*ChallengeError] naming the realm otherwise. A missing header, a
// non-Basic scheme, or undecodable credentials are rejected without
// consulting the verifier.
func (g *Gate) Authenticate(realm, rawHeader string) error {
	username, password, ok := parseBasic(rawHeader)
	if !ok {
		return &ChallengeError{Realm: realm}
	}
	if !g.verifier.Verify(realm, username, password) {
		return &ChallengeError{Realm: realm}
	}
	return nil
}

// parseBasic decodes a `Basic <base64(username:password)>` header value.
// The scheme token is case-insensitive per RFC 7617.
func parseBasic(rawHeader string) (username, password string, ok bool) {
	const prefix = "Basic "
	if len(rawHeader) < len(prefix) || !strings.EqualFold(rawHeader[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(rawHeader[len(prefix):])
	if err != nil {
		return "", "", false
	}
	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	return username, password, true
}
