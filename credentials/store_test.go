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

package credentials

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bcrypt hash of "abc", cost 6.
const abcHash = "$2a$06$If6bvum7DFjUnE9p2uDeDu0YHzrHM6tf.iqN8.yx.jNN1ILEf7h0i"

func TestLoadAndVerify(t *testing.T) {
	store := NewStore()
	err := store.Load("ElasticSearch", strings.NewReader(strings.Join([]string{
		"# provisioning tool writes entries below",
		"",
		"kimchy:" + abcHash,
		"readonly:plain-secret",
	}, "\n")))
	require.NoError(t, err)

	assert.True(t, store.Verify("ElasticSearch", "kimchy", "abc"))
	assert.True(t, store.Verify("ElasticSearch", "readonly", "plain-secret"))
	assert.False(t, store.Verify("ElasticSearch", "kimchy", "abd"))
	assert.False(t, store.Verify("ElasticSearch", "readonly", "plain-secret "))
}

func TestVerifyRejectsMutatedPasswords(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Load("ElasticSearch", strings.NewReader("kimchy:"+abcHash)))

	password := "abc"
	for i := range password {
		mutated := []byte(password)
		mutated[i]++
		assert.False(t, store.Verify("ElasticSearch", "kimchy", string(mutated)),
			"mutation at byte %d must not verify", i)
	}
}

func TestVerifyUnknownRealmAndUser(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Load("Kibana", strings.NewReader("marvel:"+abcHash)))

	assert.False(t, store.Verify("Kibana", "nobody", "abc"))
	assert.False(t, store.Verify("ElasticSearch", "marvel", "abc"))
	assert.False(t, store.Verify("", "", ""))
}

func TestVerifyScopesUsersToRealm(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Load("Kibana", strings.NewReader("marvel:letmein")))
	require.NoError(t, store.Load("ElasticSearch", strings.NewReader("kimchy:opensesame")))

	assert.True(t, store.Verify("Kibana", "marvel", "letmein"))
	assert.False(t, store.Verify("ElasticSearch", "marvel", "letmein"))
}

func TestLoadLastEntryWins(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Load("Kibana", strings.NewReader("marvel:first\nmarvel:second")))

	assert.False(t, store.Verify("Kibana", "marvel", "first"))
	assert.True(t, store.Verify("Kibana", "marvel", "second"))
}

func TestLoadMalformed(t *testing.T) {
	for _, tc := range []struct {
		name  string
		input string
	}{
		{"missing separator", "kimchy:ok\nnocolonhere"},
		{"empty username", ":somepassword"},
		{"unsupported hash scheme", "kimchy:$apr1$r31.....$HqJZimcKQFAMYayBlzkrA/"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := NewStore().Load("Kibana", strings.NewReader(tc.input))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestLoadMalformedReportsLine(t *testing.T) {
	err := NewStore().Load("Kibana", strings.NewReader("# header\nkimchy:ok\n\nbroken-line"))
	require.ErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "line 4")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users")
	require.NoError(t, os.WriteFile(path, []byte("kimchy:"+abcHash+"\n"), 0o600))

	store := NewStore()
	require.NoError(t, store.LoadFile("ElasticSearch", path))
	assert.True(t, store.Verify("ElasticSearch", "kimchy", "abc"))
}

func TestLoadFileMissing(t *testing.T) {
	err := NewStore().LoadFile("ElasticSearch", filepath.Join(t.TempDir(), "no-such-file"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ElasticSearch")
}
