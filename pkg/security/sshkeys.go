package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/agentsea/nebulous/pkg/types"
	"golang.org/x/crypto/ssh"
)

// GenerateSSHKeyPair creates a fresh ed25519 keypair in OpenSSH encoding.
func GenerateSSHKeyPair(comment string) (*types.SSHKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}

	return &types.SSHKeyPair{
		PrivateKey: string(pem.EncodeToMemory(block)),
		PublicKey:  strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))),
	}, nil
}

// StoreSSHKeyPair generates a keypair for a container and persists both
// halves as encrypted secrets (ssh-private-key-{id}, ssh-public-key-{id}).
func (v *Vault) StoreSSHKeyPair(containerID, owner string) (*types.SSHKeyPair, error) {
	pair, err := GenerateSSHKeyPair("container-" + containerID)
	if err != nil {
		return nil, err
	}

	if _, err := v.CreateSecret(AgentKeyNamespace, sshPrivateKeyName(containerID), owner, "container-reconciler", []byte(pair.PrivateKey)); err != nil {
		return nil, fmt.Errorf("failed to store private key: %w", err)
	}
	if _, err := v.CreateSecret(AgentKeyNamespace, sshPublicKeyName(containerID), owner, "container-reconciler", []byte(pair.PublicKey)); err != nil {
		return nil, fmt.Errorf("failed to store public key: %w", err)
	}
	return pair, nil
}

// GetSSHKeyPair fetches and decrypts a container's stored keypair.
func (v *Vault) GetSSHKeyPair(containerID string) (*types.SSHKeyPair, error) {
	private, err := v.store.GetSecretByFullName(AgentKeyNamespace, sshPrivateKeyName(containerID))
	if err != nil {
		return nil, err
	}
	public, err := v.store.GetSecretByFullName(AgentKeyNamespace, sshPublicKeyName(containerID))
	if err != nil {
		return nil, err
	}

	privPlain, err := v.Reveal(private)
	if err != nil {
		return nil, err
	}
	pubPlain, err := v.Reveal(public)
	if err != nil {
		return nil, err
	}

	return &types.SSHKeyPair{
		PrivateKey: string(privPlain),
		PublicKey:  string(pubPlain),
	}, nil
}

// OperatorSSHKeyPair returns the control plane's own keypair, generating
// and persisting it on first use. Remote engine hosts authorize this key.
func (v *Vault) OperatorSSHKeyPair() (*types.SSHKeyPair, error) {
	pair, err := v.GetSSHKeyPair("operator")
	if err == nil {
		return pair, nil
	}
	return v.StoreSSHKeyPair("operator", "system")
}

// DeleteSSHKeyPair removes both halves; missing halves are fine.
func (v *Vault) DeleteSSHKeyPair(containerID string) error {
	for _, name := range []string{sshPrivateKeyName(containerID), sshPublicKeyName(containerID)} {
		secret, err := v.store.GetSecretByFullName(AgentKeyNamespace, name)
		if err != nil {
			continue
		}
		if err := v.store.DeleteSecret(secret.ID); err != nil {
			return err
		}
	}
	return nil
}

func sshPrivateKeyName(containerID string) string {
	return "ssh-private-key-" + containerID
}

func sshPublicKeyName(containerID string) string {
	return "ssh-public-key-" + containerID
}
