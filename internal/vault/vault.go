// Package vault implements the Credential Vault: an
// AES-256-GCM encrypted key-value store whose passphrase is resolved from
// the OS keyring or an environment variable.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/pbkdf2"

	"github.com/oogalieboogalie/opencrust/internal/opcerrors"
)

const (
	pbkdf2Iterations      = 600_000
	saltLen               = 32
	nonceLen              = 12
	keyLen                = 32
	generatedPassphraseLen = 32

	keyringService       = "opencrust"
	keyringAccountPrefix = "vault-passphrase"

	envPassphraseVar = "OPENCRUST_VAULT_PASSPHRASE"
)

// file is the on-disk JSON shape.
type file struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Vault is an opened, in-memory-decrypted credential store bound to a
// single on-disk path and passphrase-derived key.
type Vault struct {
	mu         sync.Mutex
	path       string
	key        []byte
	salt       []byte
	plaintext  map[string]string
	log        zerolog.Logger
}

// Exists reports whether a vault file is already present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Create makes a brand new, empty vault at path under the given
// passphrase and immediately saves it.
func Create(path, passphrase string, log zerolog.Logger) (*Vault, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, opcerrors.Wrap(opcerrors.KindVaultCrypto, "failed to generate salt", err)
	}
	v := &Vault{
		path:      path,
		key:       deriveKey(passphrase, salt),
		salt:      salt,
		plaintext: map[string]string{},
		log:       log.With().Str("component", "vault").Logger(),
	}
	if err := v.Save(); err != nil {
		return nil, err
	}
	return v, nil
}

// Open decrypts the vault at path under the given passphrase.
func Open(path, passphrase string, log zerolog.Logger) (*Vault, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, opcerrors.Wrap(opcerrors.KindDatabase, "failed to read vault file", err)
	}

	var f file
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, opcerrors.ErrVaultFormat
	}

	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil {
		return nil, opcerrors.ErrVaultFormat
	}
	nonce, err := base64.StdEncoding.DecodeString(f.Nonce)
	if err != nil {
		return nil, opcerrors.ErrVaultFormat
	}
	ciphertext, err := base64.StdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		return nil, opcerrors.ErrVaultFormat
	}

	key := deriveKey(passphrase, salt)
	plaintextBytes, err := aeadOpen(key, nonce, ciphertext)
	if err != nil {
		return nil, opcerrors.ErrWrongPassphrase
	}

	var plaintext map[string]string
	if err := json.Unmarshal(plaintextBytes, &plaintext); err != nil {
		return nil, opcerrors.ErrVaultFormat
	}

	return &Vault{
		path:      path,
		key:       key,
		salt:      salt,
		plaintext: plaintext,
		log:       log.With().Str("component", "vault").Logger(),
	}, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keyLen, sha256.New)
}

func aeadOpen(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func aeadSeal(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

// Get returns the value stored for key, if any.
func (v *Vault) Get(key string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	val, ok := v.plaintext[key]
	return val, ok
}

// Set writes a key/value pair into the in-memory plaintext. Call Save to
// persist it.
func (v *Vault) Set(key, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.plaintext[key] = value
}

// Remove deletes a key from the in-memory plaintext. Call Save to persist.
func (v *Vault) Remove(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.plaintext, key)
}

// ListKeys returns the current set of stored keys.
func (v *Vault) ListKeys() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	keys := make([]string, 0, len(v.plaintext))
	for k := range v.plaintext {
		keys = append(keys, k)
	}
	return keys
}

// Save re-encrypts the current plaintext with a fresh nonce and writes it
// to disk.
func (v *Vault) Save() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	plaintextBytes, err := json.Marshal(v.plaintext)
	if err != nil {
		return opcerrors.Wrap(opcerrors.KindVaultCrypto, "failed to marshal vault plaintext", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return opcerrors.Wrap(opcerrors.KindVaultCrypto, "failed to generate nonce", err)
	}

	ciphertext, err := aeadSeal(v.key, nonce, plaintextBytes)
	if err != nil {
		return opcerrors.Wrap(opcerrors.KindVaultCrypto, "failed to seal vault", err)
	}

	f := file{
		Salt:       base64.StdEncoding.EncodeToString(v.salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return opcerrors.Wrap(opcerrors.KindVaultCrypto, "failed to marshal vault file", err)
	}

	if err := os.WriteFile(v.path, raw, 0o600); err != nil {
		return opcerrors.Wrap(opcerrors.KindDatabase, "failed to write vault file", err)
	}
	return nil
}

// keyringAccount returns the keyring account name for a vault path: the
// fixed prefix plus a SHA-256 hex digest of the absolute path.
func keyringAccount(path string) string {
	sum := sha256.Sum256([]byte(path))
	return fmt.Sprintf("%s:%s", keyringAccountPrefix, hex.EncodeToString(sum[:]))
}

func envPassphrase() (string, bool) {
	v, ok := os.LookupEnv(envPassphraseVar)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func generatePassphrase() (string, error) {
	raw := make([]byte, generatedPassphraseLen)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ResolvePassphraseForOpen implements the open-time precedence from
// resolution order: (1) OS keyring, then (2) the environment variable.
func ResolvePassphraseForOpen(path string) (string, error) {
	account := keyringAccount(path)
	if pass, err := keyring.Get(keyringService, account); err == nil {
		return pass, nil
	}
	if pass, ok := envPassphrase(); ok {
		return pass, nil
	}
	return "", opcerrors.New(opcerrors.KindConfigMissing, "no vault passphrase available in keyring or environment")
}

// ResolvePassphraseForCreate implements the create-time precedence from
// resolution order: (1) env var, mirrored into the keyring; (2) keyring;
// (3) auto-generated, stored in the keyring.
func ResolvePassphraseForCreate(path string) (string, error) {
	account := keyringAccount(path)

	if pass, ok := envPassphrase(); ok {
		_ = keyring.Set(keyringService, account, pass)
		return pass, nil
	}
	if pass, err := keyring.Get(keyringService, account); err == nil {
		return pass, nil
	}

	pass, err := generatePassphrase()
	if err != nil {
		return "", opcerrors.Wrap(opcerrors.KindVaultCrypto, "failed to generate passphrase", err)
	}
	if err := keyring.Set(keyringService, account, pass); err != nil {
		return "", opcerrors.Wrap(opcerrors.KindConfigMissing, "failed to store generated passphrase in keyring", err)
	}
	return pass, nil
}

// PassphraseAvailable reports whether a passphrase can currently be
// resolved for path without prompting (keyring entry or env var present).
func PassphraseAvailable(path string) bool {
	account := keyringAccount(path)
	if _, err := keyring.Get(keyringService, account); err == nil {
		return true
	}
	_, ok := envPassphrase()
	return ok
}

// process-wide singleton helpers: tools and other callers that
// only need a single secret can reach for these instead of threading a
// *Vault through every call site.
var (
	singletonMu   sync.Mutex
	singletonPath string
	singleton     *Vault
)

func openSingleton(path string, log zerolog.Logger) (*Vault, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if singleton != nil && singletonPath == path {
		return singleton, nil
	}

	var v *Vault
	var err error
	if Exists(path) {
		pass, perr := ResolvePassphraseForOpen(path)
		if perr != nil {
			return nil, perr
		}
		v, err = Open(path, pass, log)
	} else {
		pass, perr := ResolvePassphraseForCreate(path)
		if perr != nil {
			return nil, perr
		}
		v, err = Create(path, pass, log)
	}
	if err != nil {
		return nil, err
	}

	singleton = v
	singletonPath = path
	return v, nil
}

// TryVaultGet opens (or reuses) the vault at path and returns key's value,
// if any. A missing vault or resolution failure yields ("", false) rather
// than an error: callers treat an unavailable passphrase as optional.
func TryVaultGet(path, key string, log zerolog.Logger) (string, bool) {
	v, err := openSingleton(path, log)
	if err != nil {
		return "", false
	}
	return v.Get(key)
}

// TryVaultSet opens (or reuses, creating if absent) the vault at path, sets
// key, and saves. Returns false if the vault could not be opened/created.
func TryVaultSet(path, key, value string, log zerolog.Logger) bool {
	v, err := openSingleton(path, log)
	if err != nil {
		return false
	}
	v.Set(key, value)
	return v.Save() == nil
}

// VaultPassphraseAvailable reports whether the vault at path could be
// opened or created without further input right now.
func VaultPassphraseAvailable(path string) bool {
	if Exists(path) {
		return PassphraseAvailable(path)
	}
	if _, ok := envPassphrase(); ok {
		return true
	}
	return PassphraseAvailable(path)
}
