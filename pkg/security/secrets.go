package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"strings"

	"github.com/agentsea/nebulous/pkg/storage"
	"github.com/agentsea/nebulous/pkg/types"
	"github.com/google/uuid"
)

// AgentKeyNamespace holds the per-container control-plane credentials.
const AgentKeyNamespace = "container-reconciler"

// Vault encrypts secret values at rest with AES-256-GCM and persists the
// resulting records through the store. Plaintext is never written.
type Vault struct {
	store         storage.Store
	encryptionKey []byte // 32 bytes for AES-256
}

// NewVault creates a vault with the given encryption key.
// The key must be 32 bytes for AES-256-GCM.
func NewVault(store storage.Store, key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	return &Vault{
		store:         store,
		encryptionKey: key,
	}, nil
}

// NewVaultFromPassword creates a vault using a password.
// The password is hashed with SHA-256 to derive the encryption key.
func NewVaultFromPassword(store storage.Store, password string) (*Vault, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}

	hash := sha256.Sum256([]byte(password))
	return NewVault(store, hash[:])
}

// Encrypt encrypts plaintext with AES-256-GCM and returns the ciphertext
// and the per-call nonce. The nonce is stored on the record, not prepended.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	if len(plaintext) == 0 {
		return nil, nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(v.encryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt reverses Encrypt given the ciphertext and its nonce.
func (v *Vault) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(v.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", gcm.NonceSize(), len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// CreateSecret encrypts plaintext and persists a new secret record.
func (v *Vault) CreateSecret(namespace, name, owner, createdBy string, plaintext []byte) (*types.Secret, error) {
	if name == "" {
		return nil, fmt.Errorf("secret name cannot be empty")
	}
	if namespace == "" {
		namespace = "default"
	}

	ciphertext, nonce, err := v.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	secret := &types.Secret{
		ID:         uuid.NewString(),
		Name:       name,
		Namespace:  namespace,
		FullName:   namespace + "/" + name,
		Owner:      owner,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		CreatedBy:  createdBy,
	}

	if err := v.store.CreateSecret(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// Reveal decrypts and returns the plaintext of a secret record.
func (v *Vault) Reveal(secret *types.Secret) ([]byte, error) {
	if secret == nil {
		return nil, fmt.Errorf("secret cannot be nil")
	}
	return v.Decrypt(secret.Ciphertext, secret.Nonce)
}

// Rotate re-encrypts a secret with a new value and a fresh nonce, keeping
// its identity.
func (v *Vault) Rotate(secret *types.Secret, plaintext []byte) error {
	ciphertext, nonce, err := v.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to re-encrypt secret: %w", err)
	}
	secret.Ciphertext = ciphertext
	secret.Nonce = nonce
	return v.store.UpdateSecret(secret)
}

// StoreAgentKey persists the credential a workload uses to call back into
// the control plane, under agent-key-{containerID}.
func (v *Vault) StoreAgentKey(containerID, owner, key string) (*types.Secret, error) {
	return v.CreateSecret(AgentKeyNamespace, agentKeyName(containerID), owner, "container-reconciler", []byte(key))
}

// GetAgentKey fetches and decrypts a container's agent key.
func (v *Vault) GetAgentKey(containerID string) (string, error) {
	secret, err := v.store.GetSecretByFullName(AgentKeyNamespace, agentKeyName(containerID))
	if err != nil {
		return "", err
	}
	plaintext, err := v.Reveal(secret)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// DeleteAgentKey removes a container's agent key; missing keys are fine.
func (v *Vault) DeleteAgentKey(containerID string) error {
	secret, err := v.store.GetSecretByFullName(AgentKeyNamespace, agentKeyName(containerID))
	if err != nil {
		return nil
	}
	return v.store.DeleteSecret(secret.ID)
}

// FindAgentKey resolves a presented agent credential to the container it
// belongs to. It scans the agent-key namespace with constant-time
// comparison per entry; the set is bounded by the live fleet.
func (v *Vault) FindAgentKey(key string) (containerID, owner string, err error) {
	if key == "" {
		return "", "", fmt.Errorf("empty key")
	}
	secrets, err := v.store.ListSecretsByNamespace(AgentKeyNamespace)
	if err != nil {
		return "", "", err
	}
	for _, secret := range secrets {
		plaintext, err := v.Reveal(secret)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare(plaintext, []byte(key)) == 1 {
			return strings.TrimPrefix(secret.Name, "agent-key-"), secret.Owner, nil
		}
	}
	return "", "", fmt.Errorf("unknown agent key")
}

func agentKeyName(containerID string) string {
	return "agent-key-" + containerID
}

// NewAgentKey mints a fresh opaque agent credential.
func NewAgentKey() string {
	return "nebu-agent-" + uuid.NewString()
}
