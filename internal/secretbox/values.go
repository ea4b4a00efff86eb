package secretbox

import (
	"encoding/json"
	"fmt"
)

// WebDAVValue is the plaintext shape sealed for kind "webdav". Other
// secret kinds seal raw strings: age_x25519 holds the identity,
// wecom_bot the webhook URL, email the SMTP URL.
type WebDAVValue struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// EncodeWebDAV renders a webdav credential for sealing.
func EncodeWebDAV(v WebDAVValue) ([]byte, error) {
	if v.URL == "" {
		return nil, fmt.Errorf("webdav secret: url is required")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode webdav secret: %w", err)
	}
	return raw, nil
}

// DecodeWebDAV parses an opened webdav credential.
func DecodeWebDAV(raw []byte) (WebDAVValue, error) {
	var v WebDAVValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return WebDAVValue{}, fmt.Errorf("decode webdav secret: %w", err)
	}
	if v.URL == "" {
		return WebDAVValue{}, fmt.Errorf("webdav secret: url is required")
	}
	return v, nil
}
