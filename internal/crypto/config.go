package crypto

import (
	"encoding/json"
	"fmt"
)

// EncryptEnvPrivate returns a copy of a context Environment value whose
// "private" sub-object, if present, is replaced by its encrypted form; env
// itself is not modified. If key is nil, env is returned unchanged (no-op).
//
// By convention (spec §3) an Environment has a public/private split; the
// engine itself treats the whole value as opaque, but at-rest encryption
// only makes sense applied to the conventional "private" key so the
// "public" half stays readable without the store's encryption key.
func EncryptEnvPrivate(env map[string]any, key []byte) (map[string]any, error) {
	if key == nil || env == nil {
		return env, nil
	}

	priv, ok := env["private"]
	if !ok {
		return env, nil
	}

	blob, err := json.Marshal(priv)
	if err != nil {
		return env, fmt.Errorf("marshal private env: %w", err)
	}

	enc, err := Encrypt(string(blob), key)
	if err != nil {
		return env, fmt.Errorf("encrypt private env: %w", err)
	}

	out := make(map[string]any, len(env))
	for k, v := range env {
		out[k] = v
	}
	out["private"] = enc

	return out, nil
}

// DecryptEnvPrivate reverses EncryptEnvPrivate. If the "private" value is
// not a previously-encrypted string, it is left untouched (plaintext
// passthrough, matching the teacher's Decrypt semantics).
func DecryptEnvPrivate(env map[string]any, key []byte) (map[string]any, error) {
	if key == nil || env == nil {
		return env, nil
	}

	priv, ok := env["private"]
	if !ok {
		return env, nil
	}

	str, ok := priv.(string)
	if !ok || !IsEncrypted(str) {
		return env, nil
	}

	dec, err := Decrypt(str, key)
	if err != nil {
		return env, fmt.Errorf("decrypt private env: %w", err)
	}

	var parsed any
	if err := json.Unmarshal([]byte(dec), &parsed); err != nil {
		return env, fmt.Errorf("unmarshal decrypted private env: %w", err)
	}

	out := make(map[string]any, len(env))
	for k, v := range env {
		out[k] = v
	}
	out["private"] = parsed

	return out, nil
}
