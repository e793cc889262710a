package security

import (
	"bytes"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskCredential(t *testing.T) {
	assert.Equal(t, "", MaskCredential(""))
	assert.Equal(t, "***", MaskCredential("abc"))
	assert.Equal(t, "ab****", MaskCredential("abcdef"))
	assert.Equal(t, "abcd****mnop", MaskCredential("abcdefghmnop"))
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		secret  string
		keepsIn string
	}{
		{"json field", `{"level":"info","access_token":"tok123456789xyz","msg":"x"}`, "tok123456789xyz", `"msg":"x"`},
		{"query param", "GET /session?api_key=kitekey999&checksum=1", "kitekey999", "checksum=1"},
		{"kite header", "Authorization: token apikey1234:accesstoken5678", "accesstoken5678", "Authorization"},
		{"dsn password", "postgres://trader:hunter2@db:5432/ledger", "hunter2", "postgres://trader:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Redact(tt.in)
			assert.NotContains(t, out, tt.secret)
			assert.Contains(t, out, tt.keepsIn)
		})
	}

	assert.Equal(t, "no secrets here", Redact("no secrets here"))
}

func TestIsSensitiveField(t *testing.T) {
	assert.True(t, IsSensitiveField("ACCESS_TOKEN"))
	assert.True(t, IsSensitiveField("api_secret"))
	assert.False(t, IsSensitiveField("symbol"))
}

func TestRedactingWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactingWriter(&buf)

	line := []byte(`{"api_key":"abcdefghijkl","msg":"login"}` + "\n")
	n, err := w.Write(line)
	require.NoError(t, err)
	assert.Equal(t, len(line), n)
	assert.NotContains(t, buf.String(), "abcdefghijkl")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))

	buf.Reset()
	plain := []byte(`{"msg":"fill reconciled"}`)
	_, err = w.Write(plain)
	require.NoError(t, err)
	assert.Equal(t, string(plain), buf.String())
}

func TestProperty_MaskNeverRevealsMiddle(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("masked value keeps length and hides the middle", prop.ForAll(
		func(s string) bool {
			masked := MaskCredential(s)
			if len(masked) != len(s) {
				return false
			}
			if len(s) > 8 {
				middle := masked[4 : len(s)-4]
				return strings.Trim(middle, "*") == ""
			}
			return !(len(s) > 0 && masked == s)
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
