package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// KeyFile authenticates opaque API keys listed in a YAML file:
//
//	keys:
//	  - token_sha256: 9f86d08...
//	    user_id: tech-17
//	    email: dispatch@example.com
//	    role: technician
//	    scopes: [read, write]
//
// Only digests of the keys are stored. Watch reloads the file when it changes.
type KeyFile struct {
	path string
	log  *slog.Logger

	mu   sync.RWMutex
	keys []keyEntry
}

type keyFileDoc struct {
	Keys []struct {
		TokenSHA256 string   `yaml:"token_sha256"`
		UserID      string   `yaml:"user_id"`
		Email       string   `yaml:"email"`
		Role        string   `yaml:"role"`
		Scopes      []string `yaml:"scopes"`
	} `yaml:"keys"`
}

type keyEntry struct {
	digest []byte
	ident  *Identity
}

// LoadKeyFile reads and parses path. A nil logger discards reload logs.
func LoadKeyFile(path string, log *slog.Logger) (*KeyFile, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	kf := &KeyFile{path: path, log: log}
	if err := kf.reload(); err != nil {
		return nil, err
	}
	return kf, nil
}

func (k *KeyFile) reload() error {
	b, err := os.ReadFile(k.path)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		// Editors that truncate before writing produce a transient empty file.
		return errors.New("key file is empty")
	}
	var doc keyFileDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parse key file: %w", err)
	}

	keys := make([]keyEntry, 0, len(doc.Keys))
	for i, e := range doc.Keys {
		digest, err := hex.DecodeString(strings.TrimSpace(e.TokenSHA256))
		if err != nil || len(digest) != sha256.Size {
			return fmt.Errorf("key %d: token_sha256 must be a hex encoded sha256 digest", i)
		}
		if e.UserID == "" {
			return fmt.Errorf("key %d: user_id is required", i)
		}
		keys = append(keys, keyEntry{digest: digest, ident: NewIdentity(e.UserID, e.Email, e.Role, e.Scopes...)})
	}

	k.mu.Lock()
	k.keys = keys
	k.mu.Unlock()
	return nil
}

// Len returns the number of loaded keys.
func (k *KeyFile) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

func (k *KeyFile) CheckAuthentication(ctx context.Context, tok string) (*Identity, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	sum := sha256.Sum256([]byte(tok))

	k.mu.RLock()
	defer k.mu.RUnlock()
	var match *Identity
	for _, e := range k.keys {
		if subtle.ConstantTimeCompare(sum[:], e.digest) == 1 {
			match = e.ident
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: unknown key", ErrUnauthorized)
	}
	return match, nil
}

// Watch reloads the key file whenever it is written, created or renamed into
// place. It blocks until ctx is done. A failed reload keeps the previous keys.
func (k *KeyFile) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	// Watch the directory so atomic rename-into-place is observed.
	dir := filepath.Dir(k.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(k.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("fsnotify: event channel closed")
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := k.reload(); err != nil {
				k.log.WarnContext(ctx, "keyfile.reload.fail", slog.String("err", err.Error()))
				continue
			}
			k.log.InfoContext(ctx, "keyfile.reload.ok", slog.Int("keys", k.Len()))
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("fsnotify: error channel closed")
			}
			k.log.WarnContext(ctx, "keyfile.watch.error", slog.String("err", err.Error()))
		}
	}
}
