package format

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type params struct {
	iv, salt          string
	iter              string
	keySize, tagSize  string
	algo, mode, compr string
}

func randomB64(t *testing.T, n int) string {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(buf)
}

func validParams(t *testing.T) params {
	return params{
		iv:      randomB64(t, 16),
		salt:    randomB64(t, 8),
		iter:    "100000",
		keySize: "256",
		tagSize: "128",
		algo:    `"aes"`,
		mode:    `"gcm"`,
		compr:   `"zlib"`,
	}
}

func (p params) json() string {
	return fmt.Sprintf(`[%q,%q,%s,%s,%s,%s,%s,%s]`, p.iv, p.salt, p.iter, p.keySize, p.tagSize, p.algo, p.mode, p.compr)
}

func paste(t *testing.T, p params, ct string) Envelope {
	t.Helper()
	e, err := Parse([]byte(fmt.Sprintf(`{"v":2,"ct":%q,"adata":[%s,"plaintext",0,0],"meta":{"expire":"5min"}}`, ct, p.json())))
	require.NoError(t, err)
	return e
}

func comment(t *testing.T, p params, ct string) Envelope {
	t.Helper()
	e, err := Parse([]byte(fmt.Sprintf(`{"v":2,"ct":%q,"adata":%s,"pasteid":"0123456789abcdef","parentid":"0123456789abcdef"}`, ct, p.json())))
	require.NoError(t, err)
	return e
}

func TestValidEnvelopes(t *testing.T) {
	p := validParams(t)
	ct := randomB64(t, 128)
	e := paste(t, p, ct)
	assert.True(t, IsValid(e, false))
	assert.True(t, IsValid(e, false), "validation is repeatable")
	assert.False(t, IsValid(e, true))

	c := comment(t, p, ct)
	assert.True(t, IsValid(c, true))
	assert.False(t, IsValid(c, false))

	raw := make([]byte, 65)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	assert.True(t, IsValid(paste(t, p, base64.RawStdEncoding.EncodeToString(raw)), false), "unpadded ciphertext")
}

func TestKeySet(t *testing.T) {
	p := validParams(t)
	e := paste(t, p, randomB64(t, 128))
	e["views"] = json.RawMessage(`0`)
	assert.False(t, IsValid(e, false), "extra key")

	e = paste(t, p, randomB64(t, 128))
	delete(e, "v")
	e["x"] = json.RawMessage(`2`)
	assert.False(t, IsValid(e, false), "swapped key")

	e = paste(t, p, randomB64(t, 128))
	delete(e, "meta")
	assert.False(t, IsValid(e, false), "missing key")
}

func TestCipherParams(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(p *params)
		valid bool
	}{
		{"iterations at bound", func(p *params) { p.iter = "10000" }, false},
		{"iterations above bound", func(p *params) { p.iter = "10001" }, true},
		{"fractional iterations", func(p *params) { p.iter = "100000.5" }, false},
		{"string iterations", func(p *params) { p.iter = `"100000"` }, false},
		{"iv at max", func(p *params) { p.iv = randomB64(t, 24) }, true},
		{"iv too long", func(p *params) { p.iv = randomB64(t, 25) }, false},
		{"iv not base64", func(p *params) { p.iv = "!!!!" }, false},
		{"empty iv", func(p *params) { p.iv = "" }, false},
		{"salt at max", func(p *params) { p.salt = randomB64(t, 14) }, true},
		{"salt too long", func(p *params) { p.salt = randomB64(t, 15) }, false},
		{"keysize 128", func(p *params) { p.keySize = "128" }, true},
		{"keysize 512", func(p *params) { p.keySize = "512" }, false},
		{"tagsize 64", func(p *params) { p.tagSize = "64" }, true},
		{"tagsize 32", func(p *params) { p.tagSize = "32" }, false},
		{"algorithm", func(p *params) { p.algo = `"des"` }, false},
		{"mode ctr", func(p *params) { p.mode = `"ctr"` }, true},
		{"mode ecb", func(p *params) { p.mode = `"ecb"` }, false},
		{"compression none", func(p *params) { p.compr = `"none"` }, true},
		{"compression gzip", func(p *params) { p.compr = `"gzip"` }, false},
	}
	ct := randomB64(t, 128)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams(t)
			tt.edit(&p)
			assert.Equal(t, tt.valid, IsValid(paste(t, p, ct), false))
			assert.Equal(t, tt.valid, IsValid(comment(t, p, ct), true))
		})
	}
}

func TestShortCipherParams(t *testing.T) {
	e, err := Parse([]byte(fmt.Sprintf(`{"v":2,"ct":%q,"adata":["x"],"pasteid":"a","parentid":"b"}`, randomB64(t, 64))))
	require.NoError(t, err)
	assert.False(t, IsValid(e, true))

	e, err = Parse([]byte(fmt.Sprintf(`{"v":2,"ct":%q,"adata":{"iv":"x"},"meta":{"expire":"5min"}}`, randomB64(t, 64))))
	require.NoError(t, err)
	assert.False(t, IsValid(e, false))

	e, err = Parse([]byte(fmt.Sprintf(`{"v":2,"ct":%q,"adata":[],"meta":{"expire":"5min"}}`, randomB64(t, 64))))
	require.NoError(t, err)
	assert.False(t, IsValid(e, false))
}

func TestCiphertext(t *testing.T) {
	p := validParams(t)
	assert.False(t, IsValid(paste(t, p, ""), false), "empty")
	assert.False(t, IsValid(paste(t, p, "not base64!"), false), "invalid base64")
	low := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("a"), 512))
	assert.False(t, IsValid(paste(t, p, low), false), "compressible")
}

func TestVersionAndMeta(t *testing.T) {
	p := validParams(t)
	ct := randomB64(t, 128)
	for _, tt := range []struct {
		v, meta string
		valid   bool
	}{
		{`2`, `{"expire":"5min"}`, true},
		{`2.5`, `{"expire":"5min"}`, true},
		{`1`, `{"expire":"5min"}`, false},
		{`"2"`, `{"expire":"5min"}`, false},
		{`2`, `{}`, false},
		{`2`, `{"expire":"5min","created":1}`, false},
		{`2`, `{"burnafterreading":true}`, false},
		{`2`, `[]`, false},
	} {
		e, err := Parse([]byte(fmt.Sprintf(`{"v":%s,"ct":%q,"adata":[%s,"plaintext",0,0],"meta":%s}`, tt.v, ct, p.json(), tt.meta)))
		require.NoError(t, err)
		assert.Equal(t, tt.valid, IsValid(e, false), "v=%s meta=%s", tt.v, tt.meta)
	}
}
