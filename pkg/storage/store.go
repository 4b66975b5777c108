package storage

import (
	"errors"

	"github.com/agentsea/nebulous/pkg/types"
)

var (
	// ErrNotFound wraps all record-not-found failures. Benign on delete
	// paths, a 404 on read paths.
	ErrNotFound = errors.New("not found")

	// ErrConflict wraps unique-constraint violations (duplicate
	// namespace/name) and optimistic-concurrency version mismatches.
	// Callers should refetch and retry.
	ErrConflict = errors.New("conflict")
)

// DefaultPageSize is the reconciler's scan page size.
const DefaultPageSize = 100

// Store is the durable record store for containers, secrets, and
// namespaces. Every write bumps the record's UpdatedAt; container writes
// also bump Version.
type Store interface {
	// Containers
	CreateContainer(c *types.Container) error
	GetContainer(id string) (*types.Container, error)
	GetContainerByFullName(namespace, name string, owners []string) (*types.Container, error)
	ListContainers() ([]*types.Container, error)
	ListContainersByOwners(owners []string) ([]*types.Container, error)
	ListContainersByOwnerRef(ownerRef string) ([]*types.Container, error)
	// ListActiveContainers pages over containers whose status is in the
	// active set, in stable ID order. Pages are zero-indexed.
	ListActiveContainers(page, pageSize int) ([]*types.Container, error)
	// UpdateContainer writes the record back, failing with ErrConflict if
	// the stored version has moved past c.Version.
	UpdateContainer(c *types.Container) error
	// MergeContainerStatus patches the status sub-document: only non-nil
	// patch fields overwrite, and a terminal stored status is never
	// replaced by an active one.
	MergeContainerStatus(id string, patch *types.ContainerState) error
	// SetContainerResource persists the adapter's external handle.
	SetContainerResource(id, resourceName, resourceNamespace string) error
	// DeleteContainer is idempotent: deleting a missing record succeeds.
	DeleteContainer(id string) error
	// IsQueueFree reports whether no other container on the queue is in a
	// busy status. Best effort; the store takes no transactional lock.
	IsQueueFree(queue, excludingID string) (bool, error)

	// Secrets
	CreateSecret(secret *types.Secret) error
	GetSecret(id string) (*types.Secret, error)
	GetSecretByFullName(namespace, name string) (*types.Secret, error)
	ListSecretsByNamespace(namespace string) ([]*types.Secret, error)
	UpdateSecret(secret *types.Secret) error
	DeleteSecret(id string) error

	// Namespaces
	CreateNamespace(ns *types.Namespace) error
	GetNamespaceByName(name string) (*types.Namespace, error)
	ListNamespaces() ([]*types.Namespace, error)
	DeleteNamespace(id string) error

	// Utility
	Close() error
}
