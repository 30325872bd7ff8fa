package trust

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "PRIVATE KEY"
)

// FileProvider keeps identities as PEM files in one directory:
// <name>.crt.pem and <name>.key.pem.
type FileProvider struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	cache map[string]*Identity
}

// NewFileProvider creates the directory if needed.
func NewFileProvider(dir string) (*FileProvider, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	return &FileProvider{
		dir:   dir,
		now:   time.Now,
		cache: make(map[string]*Identity),
	}, nil
}

func (p *FileProvider) certPath(name string) string {
	return filepath.Join(p.dir, name+".crt.pem")
}

func (p *FileProvider) keyPath(name string) string {
	return filepath.Join(p.dir, name+".key.pem")
}

// GetOrCreateIdentity loads the identity from disk, generating it on first use.
func (p *FileProvider) GetOrCreateIdentity(name string, validity time.Duration) (*Identity, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.cache[name]; ok {
		return cached, nil
	}

	identity, err := p.load(name)
	if err == nil {
		p.cache[name] = identity
		return identity, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	identity, err = generateIdentity(name, validity, p.now())
	if err != nil {
		return nil, err
	}
	if err := p.save(identity); err != nil {
		return nil, err
	}

	p.cache[name] = identity
	return identity, nil
}

// DeleteIdentity removes both PEM files. Deleting a missing identity
// returns ErrNotFound.
func (p *FileProvider) DeleteIdentity(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.cache, name)

	removed := false
	for _, path := range []string{p.keyPath(name), p.certPath(name)} {
		err := os.Remove(path)
		switch {
		case err == nil:
			removed = true
		case errors.Is(err, fs.ErrNotExist):
		default:
			return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
		}
	}
	if !removed {
		return ErrNotFound
	}
	return nil
}

func (p *FileProvider) load(name string) (*Identity, error) {
	keyBlock, err := readPEM(p.keyPath(name), privateKeyPEMType)
	if err != nil {
		return nil, err
	}
	certBlock, err := readPEM(p.certPath(name), certificatePEMType)
	if err != nil {
		return nil, err
	}

	parsedKey, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	signer, ok := parsedKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("parse identity key: unsupported key type %T", parsedKey)
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse identity certificate: %w", err)
	}

	return &Identity{Name: name, Certificate: cert, PrivateKey: signer}, nil
}

func (p *FileProvider) save(identity *Identity) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(identity.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshal identity key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: keyDER})
	if err := os.WriteFile(p.keyPath(identity.Name), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write identity key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: identity.Certificate.Raw})
	if err := os.WriteFile(p.certPath(identity.Name), certPEM, 0o644); err != nil {
		return fmt.Errorf("write identity certificate: %w", err)
	}

	return nil
}

func readPEM(path, blockType string) (*pem.Block, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", filepath.Base(path))
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", filepath.Base(path), block.Type)
	}
	return block, nil
}

// MemoryProvider keeps identities in process memory only.
type MemoryProvider struct {
	mu    sync.Mutex
	cache map[string]*Identity
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{cache: make(map[string]*Identity)}
}

func (p *MemoryProvider) GetOrCreateIdentity(name string, validity time.Duration) (*Identity, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.cache[name]; ok {
		return cached, nil
	}
	identity, err := generateIdentity(name, validity, time.Now())
	if err != nil {
		return nil, err
	}
	p.cache[name] = identity
	return identity, nil
}

func (p *MemoryProvider) DeleteIdentity(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.cache[name]; !ok {
		return ErrNotFound
	}
	delete(p.cache, name)
	return nil
}
