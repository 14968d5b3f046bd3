// Package profile persists named bot profiles (token, webhook URL, and the
// bot identity back-filled after login) in an app-data JSON file. Tokens are
// sealed with AES-256-GCM when ENCRYPTION_KEY is set; otherwise the legacy
// salted-base64 obfuscation is used, which keeps existing token.json files
// readable. Obfuscation is not security; the AES path is.
package profile

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/onnwee/chat-mirror/crypto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	appDirName = "chat-mirror"
	storeName  = "token.json"

	// legacySalt matches the obfuscation prefix of pre-encryption stores.
	legacySalt = "t0k3n:"
	// sealedPrefix marks AES-sealed tokens so both formats can coexist in
	// one file.
	sealedPrefix = "enc:"
)

// ErrMalformed reports stored credentials that can be neither unsealed nor
// deobfuscated. Startup must surface this to the operator and abort rather
// than proceed with an empty token.
var ErrMalformed = errors.New("malformed stored credentials")

// Profile is one named bot identity. Token is plaintext in memory; sealing
// happens only at the file boundary.
type Profile struct {
	Name    string
	BotID   string
	Token   string
	Webhook string
}

// Store reads and writes the profile file.
type Store struct {
	Path string

	enc crypto.Encryptor
}

// DefaultPath resolves the per-user profile file location: APPDATA on
// Windows, ~/.config elsewhere.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(base, appDirName, storeName), nil
}

// Open prepares a store at path. With ENCRYPTION_KEY set, tokens written from
// now on are AES-sealed; an invalid key is a startup error.
func Open(path string) (*Store, error) {
	s := &Store{Path: path}
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			return nil, fmt.Errorf("profile store encryption: %w", err)
		}
		s.enc = enc
	}
	return s, nil
}

type storedProfile struct {
	Name    string `json:"name,omitempty"`
	BotID   string `json:"bot_id,omitempty"`
	Token   string `json:"token"`
	Webhook string `json:"webhook,omitempty"`
}

type storeFile struct {
	Profiles []storedProfile `json:"profiles"`
}

// Load reads all profiles. A missing file is an empty store, but a profile
// whose token cannot be unsealed fails the whole load with ErrMalformed; a
// silent empty token would let the process start half-configured.
func (s *Store) Load() ([]Profile, error) {
	raw, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profile store: %w", err)
	}
	var file storeFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	out := make([]Profile, 0, len(file.Profiles))
	for i, sp := range file.Profiles {
		token, err := s.unseal(sp.Token)
		if err != nil {
			return nil, fmt.Errorf("profile %d (%s): %w", i, sp.Name, err)
		}
		out = append(out, Profile{Name: sp.Name, BotID: sp.BotID, Token: token, Webhook: sp.Webhook})
	}
	return out, nil
}

// Save writes all profiles, creating the directory on first use.
func (s *Store) Save(profiles []Profile) error {
	file := storeFile{Profiles: make([]storedProfile, 0, len(profiles))}
	for _, p := range profiles {
		sealed, err := s.seal(p.Token)
		if err != nil {
			return fmt.Errorf("seal token for %q: %w", p.Name, err)
		}
		file.Profiles = append(file.Profiles, storedProfile{
			Name: p.Name, BotID: p.BotID, Token: sealed, Webhook: p.Webhook,
		})
	}
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode profile store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	if err := os.WriteFile(s.Path, raw, 0o600); err != nil {
		return fmt.Errorf("write profile store: %w", err)
	}
	return nil
}

// Find returns the profile with the given name, or nil.
func Find(profiles []Profile, name string) *Profile {
	for i := range profiles {
		if profiles[i].Name == name {
			return &profiles[i]
		}
	}
	return nil
}

// BackfillIdentity records the logged-in bot's name and id on the profile
// holding this token and persists the store. Missing token is a no-op; the
// token may have come from the environment rather than the store.
func (s *Store) BackfillIdentity(token, botName, botID string) error {
	profiles, err := s.Load()
	if err != nil {
		return err
	}
	updated := false
	for i := range profiles {
		if profiles[i].Token == token {
			profiles[i].Name = botName
			profiles[i].BotID = botID
			updated = true
			break
		}
	}
	if !updated {
		return nil
	}
	return s.Save(profiles)
}

func (s *Store) seal(token string) (string, error) {
	if s.enc != nil {
		sealed, err := crypto.EncryptString(s.enc, token)
		if err != nil {
			return "", err
		}
		return sealedPrefix + sealed, nil
	}
	return base64.StdEncoding.EncodeToString([]byte(legacySalt + token)), nil
}

func (s *Store) unseal(stored string) (string, error) {
	if strings.HasPrefix(stored, sealedPrefix) {
		if s.enc == nil {
			return "", fmt.Errorf("%w: token is encrypted but ENCRYPTION_KEY is not set", ErrMalformed)
		}
		token, err := crypto.DecryptString(s.enc, strings.TrimPrefix(stored, sealedPrefix))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return token, nil
	}
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !strings.HasPrefix(string(raw), legacySalt) {
		return "", fmt.Errorf("%w: unrecognized token format", ErrMalformed)
	}
	return strings.TrimPrefix(string(raw), legacySalt), nil
}
