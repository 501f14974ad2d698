// Package format validates the version 2 envelope of encrypted pastes and
// comments before they are accepted into storage. It checks shape and bounds
// only; ciphertext is never interpreted.
package format

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/json"
	"strconv"
)

const (
	MaxIVLength   = 24
	MaxSaltLength = 14
	MinIterations = 10000
)

var (
	pasteKeys   = []string{"adata", "v", "ct", "meta"}
	commentKeys = []string{"adata", "v", "ct", "pasteid", "parentid"}

	keySizes     = map[string]bool{"128": true, "192": true, "256": true}
	tagSizes     = map[string]bool{"64": true, "96": true, "128": true}
	modes        = map[string]bool{"ctr": true, "cbc": true, "gcm": true}
	compressions = map[string]bool{"zlib": true, "none": true}
)

// Envelope is an undecoded submission, keyed by its top level fields.
type Envelope map[string]json.RawMessage

// Parse decodes a raw submission into an Envelope.
func Parse(body []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, err
	}
	return e, nil
}

// IsValid reports whether e is a well formed version 2 paste or comment.
func IsValid(e Envelope, isComment bool) bool {
	required := pasteKeys
	if isComment {
		required = commentKeys
	}
	if len(e) != len(required) {
		return false
	}
	for _, k := range required {
		if _, ok := e[k]; !ok {
			return false
		}
	}

	var adata []json.RawMessage
	if err := json.Unmarshal(e["adata"], &adata); err != nil || adata == nil {
		return false
	}
	cipherParams := adata
	if !isComment {
		if len(adata) == 0 {
			return false
		}
		cipherParams = nil
		if err := json.Unmarshal(adata[0], &cipherParams); err != nil || cipherParams == nil {
			return false
		}
	}
	if !validCipherParams(cipherParams) {
		return false
	}

	var ctText string
	if err := json.Unmarshal(e["ct"], &ctText); err != nil {
		return false
	}
	ct, ok := decodeBase64(ctText)
	if !ok || len(ct) == 0 {
		return false
	}
	if compressible(ct) {
		return false
	}

	v, ok := number(e["v"])
	if !ok {
		return false
	}
	if f, err := strconv.ParseFloat(v, 64); err != nil || f < 2 {
		return false
	}

	if !isComment {
		var meta map[string]json.RawMessage
		if err := json.Unmarshal(e["meta"], &meta); err != nil {
			return false
		}
		if _, ok := meta["expire"]; !ok || len(meta) != 1 {
			return false
		}
	}
	return true
}

// validCipherParams checks [iv, salt, iterations, keysize, tagsize, algo, mode, compression].
func validCipherParams(p []json.RawMessage) bool {
	if len(p) < 8 {
		return false
	}
	iv, ok := base64Field(p[0])
	if !ok || len(iv) > MaxIVLength {
		return false
	}
	salt, ok := base64Field(p[1])
	if !ok || len(salt) > MaxSaltLength {
		return false
	}
	iter, ok := integer(p[2])
	if !ok {
		return false
	}
	if n, err := strconv.ParseInt(iter, 10, 64); err != nil || n <= MinIterations {
		return false
	}
	if ks, ok := integer(p[3]); !ok || !keySizes[ks] {
		return false
	}
	if ts, ok := integer(p[4]); !ok || !tagSizes[ts] {
		return false
	}
	if s, ok := str(p[5]); !ok || s != "aes" {
		return false
	}
	if s, ok := str(p[6]); !ok || !modes[s] {
		return false
	}
	if s, ok := str(p[7]); !ok || !compressions[s] {
		return false
	}
	return true
}

func base64Field(raw json.RawMessage) ([]byte, bool) {
	s, ok := str(raw)
	if !ok {
		return nil, false
	}
	b, ok := decodeBase64(s)
	if !ok || len(b) == 0 {
		return nil, false
	}
	return b, true
}

func decodeBase64(s string) ([]byte, bool) {
	if b, err := base64.StdEncoding.Strict().DecodeString(s); err == nil {
		return b, true
	}
	if b, err := base64.RawStdEncoding.Strict().DecodeString(s); err == nil {
		return b, true
	}
	return nil, false
}

// compressible reports whether a default deflate pass makes data smaller,
// which genuine ciphertext never allows.
func compressible(data []byte) bool {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return true
	}
	if _, err := w.Write(data); err != nil {
		return true
	}
	if err := w.Close(); err != nil {
		return true
	}
	return len(data) > buf.Len()
}

func str(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// number returns the literal of a JSON number.
func number(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	n, ok := v.(json.Number)
	if !ok {
		return "", false
	}
	return n.String(), true
}

// integer returns the literal of a JSON number written without fraction or
// exponent.
func integer(raw json.RawMessage) (string, bool) {
	n, ok := number(raw)
	if !ok || bytes.ContainsAny([]byte(n), ".eE") {
		return "", false
	}
	return n, true
}
