package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/betbot/p2prelease/pkg/secretstore"
)

// SessionHeadersKey is the secret store key of the captured browser header bundle.
const SessionHeadersKey = "session_headers"

const (
	DefaultReferer        = "https://c2c-admin.binance.com/pt-BR/order/pending"
	DefaultAcceptLanguage = "en-US,en;q=0.9,pt-BR;q=0.8,pt;q=0.7"
)

// ErrNoSession means no captured browser session is available.
var ErrNoSession = errors.New("no captured browser session")

// SessionSource yields the headers that authenticate a merchant console call.
// It is consulted on every call so a re-captured session is picked up without restart.
type SessionSource interface {
	Headers(ctx context.Context) (map[string]string, error)
}

// BundleLoader loads the decrypted browser header bundle. It returns ErrNoSession
// when nothing was captured.
type BundleLoader interface {
	LoadBundle() (map[string]string, error)
}

// SecretStoreBundle keeps the bundle in the encrypted Badger store.
type SecretStoreBundle struct {
	Store *secretstore.Store
	Key   string
}

func (b *SecretStoreBundle) key() string {
	if b.Key == "" {
		return SessionHeadersKey
	}
	return b.Key
}

func (b *SecretStoreBundle) LoadBundle() (map[string]string, error) {
	if b == nil || b.Store == nil {
		return nil, ErrNoSession
	}
	var headers map[string]string
	ok, err := b.Store.GetJSON(b.key(), &headers)
	if err != nil {
		return nil, err
	}
	if !ok || len(headers) == 0 {
		return nil, ErrNoSession
	}
	return headers, nil
}

// SaveBundle replaces the stored bundle.
func (b *SecretStoreBundle) SaveBundle(headers map[string]string) error {
	return b.Store.SetJSON(b.key(), headers)
}

// BundleSaver persists a captured header bundle.
type BundleSaver interface {
	SaveBundle(headers map[string]string) error
}

// ImportSession reads a captured header bundle and stores it through dst. The input is
// either a JSON object of header name to value, or the DevTools list form
// [{"name": ..., "value": ...}]. It returns the number of headers stored.
func ImportSession(r io.Reader, dst BundleSaver) (int, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	headers := map[string]string{}
	if err := json.Unmarshal(raw, &headers); err != nil {
		var list []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}
		if lerr := json.Unmarshal(raw, &list); lerr != nil {
			return 0, fmt.Errorf("session bundle is neither a header object nor a header list: %w", err)
		}
		for _, h := range list {
			headers[h.Name] = h.Value
		}
	}
	for k, v := range headers {
		if strings.TrimSpace(k) == "" || v == "" {
			delete(headers, k)
		}
	}
	if len(headers) == 0 {
		return 0, ErrNoSession
	}
	if err := dst.SaveBundle(headers); err != nil {
		return 0, err
	}
	return len(headers), nil
}

// EncryptedFileBundle keeps the bundle as an AES-GCM sealed JSON file.
type EncryptedFileBundle struct {
	Path string
	Key  []byte
}

func (b *EncryptedFileBundle) LoadBundle() (map[string]string, error) {
	if b == nil || b.Path == "" {
		return nil, ErrNoSession
	}
	pt, err := secretstore.ReadSealedFile(b.Path, b.Key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(pt), &headers); err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, ErrNoSession
	}
	return headers, nil
}

func (b *EncryptedFileBundle) SaveBundle(headers map[string]string) error {
	raw, err := json.Marshal(headers)
	if err != nil {
		return err
	}
	return secretstore.WriteSealedFile(b.Path, b.Key, string(raw))
}

// BrowserSession replays a captured console session. Without a captured bundle it falls
// back to the API key header, and to no headers at all when that is missing too.
type BrowserSession struct {
	Loaders        []BundleLoader
	Referer        string
	AcceptLanguage string
	APIKey         string
}

func (s *BrowserSession) Headers(_ context.Context) (map[string]string, error) {
	for _, l := range s.Loaders {
		bundle, err := l.LoadBundle()
		if errors.Is(err, ErrNoSession) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s.augment(bundle), nil
	}
	if s.APIKey != "" {
		return map[string]string{"x-mbx-apikey": s.APIKey}, nil
	}
	return map[string]string{}, nil
}

func (s *BrowserSession) augment(bundle map[string]string) map[string]string {
	out := make(map[string]string, len(bundle)+5)
	for k, v := range bundle {
		// Captured values for these are per-request and would be wrong when replayed.
		switch strings.ToLower(k) {
		case "content-length", "host", ":authority", ":method", ":path", ":scheme":
			continue
		}
		out[k] = v
	}
	referer := s.Referer
	if referer == "" {
		referer = DefaultReferer
	}
	lang := s.AcceptLanguage
	if lang == "" {
		lang = DefaultAcceptLanguage
	}
	out["referer"] = referer
	out["accept-language"] = lang
	out["sec-fetch-dest"] = "empty"
	out["sec-fetch-mode"] = "cors"
	out["sec-fetch-site"] = "same-origin"
	return out
}

// StaticSession returns fixed headers. Used by tests and one-off tools.
type StaticSession map[string]string

func (s StaticSession) Headers(context.Context) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}
