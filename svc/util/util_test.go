package util

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPasteID(t *testing.T) {
	id := PasteID("ciphertext")
	assert.Len(t, id, 16)
	assert.True(t, IsValidID(id))
	assert.Equal(t, id, PasteID("ciphertext"))
	assert.NotEqual(t, id, PasteID("ciphertext2"))

	assert.False(t, IsValidID(""))
	assert.False(t, IsValidID("0123456789ABCDEF"))
	assert.False(t, IsValidID("0123456789abcde"))
	assert.False(t, IsValidID("../../etc/passwd"))
}

func TestRedactIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"203.0.113.9", "203.0.113.0"},
		{"203.0.113.9:4000", "203.0.113.0"},
		{"2001:db8:1:2::5", "2001:db8::"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RedactIP(tt.in), tt.in)
	}
	assert.Contains(t, RedactIP("not-an-ip"), "hash:")
}

func TestRedactSecrets(t *testing.T) {
	assert.Equal(t, "", RedactToken(""))
	assert.Equal(t, "[TOKEN-REDACTED]", RedactToken("short"))
	assert.Equal(t, "abcd...wxyz[REDACTED]", RedactToken("abcdefghijklmnopqrstuvwxyz"))

	assert.Equal(t, "postgres://crybin:[REDACTED]@db:5432/crybin",
		RedactSecret("postgres://crybin:hunter2@db:5432/crybin"))
	assert.Equal(t, "host=db password=[REDACTED] user=crybin",
		RedactSecret("host=db password=hunter2 user=crybin"))
	assert.Equal(t, "/var/lib/crybin/db.sq3", RedactSecret("/var/lib/crybin/db.sq3"))
}

func TestRequestID(t *testing.T) {
	assert.Equal(t, "", GetRequestID(context.Background()))
	id := NewRequestID()
	assert.Equal(t, id, GetRequestID(SetRequestID(context.Background(), id)))
}

func TestWipe(t *testing.T) {
	b := []byte("secret")
	Wipe(b)
	assert.Equal(t, make([]byte, 6), b)
}
