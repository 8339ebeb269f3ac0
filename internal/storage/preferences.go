package storage

import (
	"log/slog"
	"strings"
	"unicode"
)

// Persisted keys.
const (
	KeyLastWallet  = "connector:wallet"
	KeyLastCluster = "connector:cluster"
)

const maxPreferenceLen = 256

// Preferences reads and writes the connector's "last used" identifiers.
// Absent or corrupt values read as not set; they never fail the caller.
type Preferences struct {
	kv     KV
	logger *slog.Logger
}

func NewPreferences(kv KV) *Preferences {
	if kv == nil {
		kv = NewMemoryKV()
	}
	return &Preferences{
		kv:     kv,
		logger: slog.Default().With("component", "preferences"),
	}
}

// LastWallet returns the id of the last connected wallet.
func (p *Preferences) LastWallet() (string, bool) {
	return p.read(KeyLastWallet)
}

func (p *Preferences) SetLastWallet(id string) error {
	return p.kv.Put(KeyLastWallet, id)
}

func (p *Preferences) ClearLastWallet() error {
	return p.kv.Delete(KeyLastWallet)
}

// LastCluster returns the id of the last selected cluster.
func (p *Preferences) LastCluster() (string, bool) {
	return p.read(KeyLastCluster)
}

func (p *Preferences) SetLastCluster(id string) error {
	return p.kv.Put(KeyLastCluster, id)
}

func (p *Preferences) read(key string) (string, bool) {
	raw, ok, err := p.kv.Get(key)
	if err != nil {
		p.logger.Warn("preference read failed", "key", key, "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	v, valid := sanitize(raw)
	if !valid {
		p.logger.Warn("ignoring corrupt preference", "key", key)
		return "", false
	}
	return v, true
}

func sanitize(raw string) (string, bool) {
	v := strings.TrimSpace(raw)
	if v == "" || len(v) > maxPreferenceLen {
		return "", false
	}
	// values written by older clients may be JSON-quoted
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		v = v[1 : len(v)-1]
		if v == "" {
			return "", false
		}
	}
	for _, r := range v {
		if !unicode.IsPrint(r) || r == '"' {
			return "", false
		}
	}
	return v, true
}
