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

// Package credentials loads and verifies realm-scoped username/password
// entries from htpasswd-style files.
package credentials

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrMalformed indicates a credential entry that could not be parsed.
var ErrMalformed = errors.New("malformed credentials")

// dummyHash is a bcrypt hash compared against when the realm or username is
// unknown, so that a miss takes as long as a wrong password. The plaintext
// it encodes is never accepted.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Store holds read-only credential sets keyed by realm. Load all realms
// before serving; Verify is safe for concurrent use once loading is done.
type Store struct {
	realms map[string]map[string]string
}

// NewStore creates an empty [Store].
func NewStore() *Store {
	return &Store{realms: make(map[string]map[string]string)}
}

// LoadFile reads the htpasswd-style file at path into the given realm.
func (s *Store) LoadFile(realm, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open credentials for realm %q: %w", realm, err)
	}
	defer f.Close()
	if err := s.Load(realm, f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Load parses entries from r into the given realm. Each line is
// `username:verification-data`; blank lines and lines starting with '#' are
// skipped. Verification data is either a bcrypt hash (htpasswd -B) or a
// plaintext password. Entries for a username already present in the realm
// replace the earlier ones, matching htpasswd semantics.
func (s *Store) Load(realm string, r io.Reader) error {
	users := s.realms[realm]
	if users == nil {
		users = make(map[string]string)
		s.realms[realm] = users
	}

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		username, data, found := strings.Cut(line, ":")
		if !found {
			return fmt.Errorf("%w: line %d: missing ':' separator", ErrMalformed, lineNum)
		}
		if username == "" {
			return fmt.Errorf("%w: line %d: empty username", ErrMalformed, lineNum)
		}
		if strings.HasPrefix(data, "$") && !isBcrypt(data) {
			return fmt.Errorf("%w: line %d: unsupported hash scheme for user %q", ErrMalformed, lineNum, username)
		}
		users[username] = data
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}
	return nil
}

// Verify reports whether the realm contains username and password matches
// its verification data. Unknown realms and unknown usernames are
// indistinguishable from a wrong password.
func (s *Store) Verify(realm, username, password string) bool {
	data, ok := s.realms[realm][username]
	if !ok {
		// Burn the same work as a real bcrypt mismatch.
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	if isBcrypt(data) {
		return bcrypt.CompareHashAndPassword([]byte(data), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(data), []byte(password)) == 1
}

func isBcrypt(data string) bool {
	return strings.HasPrefix(data, "$2a$") ||
		strings.HasPrefix(data, "$2b$") ||
		strings.HasPrefix(data, "$2y$")
}
