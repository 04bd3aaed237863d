package keys

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// KeyStore keeps Ed25519 seeds on the local filesystem.
//
// Layout:
//
//	<dir>/<name>/root.key
//	<dir>/<name>/roles/<role>.key
//
// Each file holds a hex-encoded 32-byte seed followed by a newline.
type KeyStore struct {
	Directory string
}

// KeyEntry describes one stored identity and its derived roles.
type KeyEntry struct {
	Name  string
	Roles []string
}

// DefaultDirectory returns ~/.sre/keys.
func DefaultDirectory() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".sre", "keys"), nil
}

// OpenKeyStore returns a store rooted at dir, or the default directory when dir is empty.
func OpenKeyStore(dir string) (*KeyStore, error) {
	if dir == "" {
		var err error
		dir, err = DefaultDirectory()
		if err != nil {
			return nil, err
		}
	}
	return &KeyStore{Directory: dir}, nil
}

func (ks *KeyStore) rootPath(name string) string {
	return filepath.Join(ks.Directory, name, "root.key")
}

func (ks *KeyStore) rolePath(name, role string) string {
	return filepath.Join(ks.Directory, name, "roles", role+".key")
}

// CheckKeyName rejects names that are not safe path segments.
func CheckKeyName(name string) error {
	if name == "" {
		return errors.New("key name cannot be empty")
	}
	if r, ok := firstUnsafeRune(name); ok {
		return fmt.Errorf("invalid character %q in key name", r)
	}
	return nil
}

// CheckRole rejects role names that are not safe path segments.
func CheckRole(role string) error {
	if role == "" {
		return errors.New("role cannot be empty")
	}
	if r, ok := firstUnsafeRune(role); ok {
		return fmt.Errorf("invalid character %q in role", r)
	}
	return nil
}

func firstUnsafeRune(s string) (rune, bool) {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			continue
		}
		return r, true
	}
	return 0, false
}

func errSeedSize(n int) error {
	return fmt.Errorf("expected seed length of %d bytes, got %d", ed25519.SeedSize, n)
}

// ParseSeedHex decodes a hex seed, tolerating surrounding whitespace and a 0x prefix.
func ParseSeedHex(seedHex string) ([]byte, error) {
	seedHex = strings.TrimPrefix(strings.TrimSpace(seedHex), "0x")
	data, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, err
	}
	if len(data) != ed25519.SeedSize {
		return nil, errSeedSize(len(data))
	}
	return data, nil
}

func writeSeed(path string, seed []byte, overwrite bool) error {
	if len(seed) != ed25519.SeedSize {
		return errSeedSize(len(seed))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(hex.EncodeToString(seed) + "\n"); err != nil {
		return err
	}
	return f.Close()
}

func readSeed(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeedHex(string(data))
}

// InitRoot stores seed as the root key for name and returns its public key.
func (ks *KeyStore) InitRoot(name string, seed []byte, overwrite bool) (PublicKey, string, error) {
	if err := CheckKeyName(name); err != nil {
		return PublicKey{}, "", err
	}
	path := ks.rootPath(name)
	if err := writeSeed(path, seed, overwrite); err != nil {
		return PublicKey{}, "", err
	}
	pub, err := PublicKeyFromSeed(seed)
	return pub, path, err
}

// DeriveRole derives and stores the role key for name.
func (ks *KeyStore) DeriveRole(name, role string, overwrite bool) (PublicKey, string, error) {
	if err := CheckKeyName(name); err != nil {
		return PublicKey{}, "", err
	}
	root, err := readSeed(ks.rootPath(name))
	if err != nil {
		return PublicKey{}, "", err
	}
	seed, err := DeriveRoleSeed(root, role)
	if err != nil {
		return PublicKey{}, "", err
	}
	path := ks.rolePath(name, role)
	if err := writeSeed(path, seed, overwrite); err != nil {
		return PublicKey{}, "", err
	}
	pub, err := PublicKeyFromSeed(seed)
	return pub, path, err
}

// Export returns the public key for name, or for its role when role is non-empty.
func (ks *KeyStore) Export(name, role string) (PublicKey, error) {
	seed, err := ks.LoadSeed("", name, role, "")
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKeyFromSeed(seed)
}

// LoadSeed resolves a seed from, in order: an explicit hex seed, a key file
// path, or a stored name (and optional role).
func (ks *KeyStore) LoadSeed(seedHex, name, role, keyFile string) ([]byte, error) {
	if seedHex != "" {
		return ParseSeedHex(seedHex)
	}
	if keyFile != "" {
		return readSeed(keyFile)
	}
	if name == "" {
		return nil, errors.New("no signer provided")
	}
	if err := CheckKeyName(name); err != nil {
		return nil, err
	}
	if role == "" {
		return readSeed(ks.rootPath(name))
	}
	if err := CheckRole(role); err != nil {
		return nil, err
	}
	return readSeed(ks.rolePath(name, role))
}

// LoadSigner is LoadSeed followed by NewEd25519SignerFromSeed.
func (ks *KeyStore) LoadSigner(seedHex, name, role, keyFile string) (*Ed25519Signer, error) {
	seed, err := ks.LoadSeed(seedHex, name, role, keyFile)
	if err != nil {
		return nil, err
	}
	return NewEd25519SignerFromSeed(seed)
}

// List returns stored identities sorted by name, each with its sorted roles.
func (ks *KeyStore) List() ([]KeyEntry, error) {
	entries, err := os.ReadDir(ks.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]KeyEntry, 0, len(names))
	for _, name := range names {
		var roles []string
		roleEntries, rerr := os.ReadDir(filepath.Join(ks.Directory, name, "roles"))
		if rerr == nil {
			for _, re := range roleEntries {
				if !re.IsDir() && strings.HasSuffix(re.Name(), ".key") {
					roles = append(roles, strings.TrimSuffix(re.Name(), ".key"))
				}
			}
			sort.Strings(roles)
		}
		out = append(out, KeyEntry{Name: name, Roles: roles})
	}
	return out, nil
}
