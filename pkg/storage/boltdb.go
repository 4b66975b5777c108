package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentsea/nebulous/pkg/types"
	"github.com/samber/lo"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketContainers = []byte("containers")
	bucketSecrets    = []byte("secrets")
	bucketNamespaces = []byte("namespaces")
)

// queueBusy lists the statuses that occupy a queue slot. A container that
// is defined, parked in queued, or paused does not hold the queue; two
// waiting containers must never block each other.
var queueBusy = map[types.ContainerStatus]bool{
	types.StatusCreating:   true,
	types.StatusCreated:    true,
	types.StatusPending:    true,
	types.StatusRunning:    true,
	types.StatusRestarting: true,
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store under dataDir, creating
// the directory if it does not exist.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "nebu.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketContainers,
			bucketSecrets,
			bucketNamespaces,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Container operations

func (s *BoltStore) CreateContainer(c *types.Container) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)

		// full_name is unique across all containers
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var existing types.Container
			if err := json.Unmarshal(v, &existing); err != nil {
				continue
			}
			if existing.FullName == c.FullName {
				return fmt.Errorf("container already exists: %s: %w", c.FullName, ErrConflict)
			}
		}

		now := time.Now().UTC()
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		c.Version = 1

		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.ID), data)
	})
}

func (s *BoltStore) GetContainer(id string) (*types.Container, error) {
	var c types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("container not found: %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) GetContainerByFullName(namespace, name string, owners []string) (*types.Container, error) {
	fullName := namespace + "/" + name
	var found *types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		return b.ForEach(func(k, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.FullName == fullName && (owners == nil || lo.Contains(owners, c.Owner)) {
				found = &c
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("container not found: %s: %w", fullName, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListContainers() ([]*types.Container, error) {
	var containers []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		return b.ForEach(func(k, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			containers = append(containers, &c)
			return nil
		})
	})
	return containers, err
}

func (s *BoltStore) ListContainersByOwners(owners []string) ([]*types.Container, error) {
	containers, err := s.ListContainers()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Container
	for _, c := range containers {
		if lo.Contains(owners, c.Owner) {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListContainersByOwnerRef(ownerRef string) ([]*types.Container, error) {
	containers, err := s.ListContainers()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Container
	for _, c := range containers {
		if c.OwnerRef == ownerRef {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

// ListActiveContainers pages over containers in active status. Bolt cursors
// iterate keys in byte order, which gives the stable ID order the paginator
// relies on.
func (s *BoltStore) ListActiveContainers(page, pageSize int) ([]*types.Container, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	skip := page * pageSize

	var containers []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		cur := b.Cursor()
		seen := 0
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if !c.CurrentStatus().Active() {
				continue
			}
			if seen < skip {
				seen++
				continue
			}
			seen++
			containers = append(containers, &c)
			if len(containers) >= pageSize {
				return nil
			}
		}
		return nil
	})
	return containers, err
}

func (s *BoltStore) UpdateContainer(c *types.Container) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		data := b.Get([]byte(c.ID))
		if data == nil {
			return fmt.Errorf("container not found: %s: %w", c.ID, ErrNotFound)
		}

		var stored types.Container
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if stored.Version != c.Version {
			return fmt.Errorf("container %s version %d is stale (stored %d): %w",
				c.ID, c.Version, stored.Version, ErrConflict)
		}

		c.Version++
		c.UpdatedAt = time.Now().UTC()

		updated, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.ID), updated)
	})
}

// MergeContainerStatus read-modify-writes the status sub-document. Only the
// fields the patch provides overwrite; everything else survives. A terminal
// stored status is a sink: a patch carrying an active status keeps the
// stored one, while its other fields (message, ready) still apply.
func (s *BoltStore) MergeContainerStatus(id string, patch *types.ContainerState) error {
	if patch == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("container not found: %s: %w", id, ErrNotFound)
		}

		var c types.Container
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		if c.Status == nil {
			c.Status = &types.ContainerState{}
		}

		if patch.Status != nil {
			current := c.Status.CurrentStatus()
			if !(current.Terminal() && !patch.Status.Terminal()) {
				c.Status.Status = patch.Status
			}
		}
		if patch.Message != nil {
			c.Status.Message = patch.Message
		}
		if patch.Accelerator != nil {
			c.Status.Accelerator = patch.Accelerator
		}
		if patch.PublicPorts != nil {
			c.Status.PublicPorts = patch.PublicPorts
		}
		if patch.CostPerHr != nil {
			c.Status.CostPerHr = patch.CostPerHr
		}
		if patch.TailnetURL != nil {
			c.Status.TailnetURL = patch.TailnetURL
		}
		if patch.Ready != nil {
			c.Status.Ready = patch.Ready
		}
		if patch.PublicIP != nil {
			c.Status.PublicIP = patch.PublicIP
		}

		c.Version++
		c.UpdatedAt = time.Now().UTC()

		updated, err := json.Marshal(&c)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) SetContainerResource(id, resourceName, resourceNamespace string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("container not found: %s: %w", id, ErrNotFound)
		}

		var c types.Container
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		c.ResourceName = resourceName
		if resourceNamespace != "" {
			c.ResourceNamespace = resourceNamespace
		}
		c.Version++
		c.UpdatedAt = time.Now().UTC()

		updated, err := json.Marshal(&c)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// DeleteContainer removes the record. Deleting an absent record is not an
// error.
func (s *BoltStore) DeleteContainer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) IsQueueFree(queue, excludingID string) (bool, error) {
	if queue == "" {
		return true, nil
	}
	free := true
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		return b.ForEach(func(k, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.ID == excludingID || c.Queue != queue {
				return nil
			}
			if queueBusy[c.CurrentStatus()] {
				free = false
			}
			return nil
		})
	})
	return free, err
}

// Secret operations

func (s *BoltStore) CreateSecret(secret *types.Secret) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)

		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var existing types.Secret
			if err := json.Unmarshal(v, &existing); err != nil {
				continue
			}
			if existing.FullName == secret.FullName {
				return fmt.Errorf("secret already exists: %s: %w", secret.FullName, ErrConflict)
			}
		}

		now := time.Now().UTC()
		if secret.CreatedAt.IsZero() {
			secret.CreatedAt = now
		}
		secret.UpdatedAt = now

		data, err := json.Marshal(secret)
		if err != nil {
			return err
		}
		return b.Put([]byte(secret.ID), data)
	})
}

func (s *BoltStore) GetSecret(id string) (*types.Secret, error) {
	var secret types.Secret
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("secret not found: %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &secret)
	})
	if err != nil {
		return nil, err
	}
	return &secret, nil
}

func (s *BoltStore) GetSecretByFullName(namespace, name string) (*types.Secret, error) {
	fullName := namespace + "/" + name
	var found *types.Secret
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		return b.ForEach(func(k, v []byte) error {
			var secret types.Secret
			if err := json.Unmarshal(v, &secret); err != nil {
				return err
			}
			if secret.FullName == fullName {
				found = &secret
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("secret not found: %s: %w", fullName, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListSecretsByNamespace(namespace string) ([]*types.Secret, error) {
	var secrets []*types.Secret
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		return b.ForEach(func(k, v []byte) error {
			var secret types.Secret
			if err := json.Unmarshal(v, &secret); err != nil {
				return err
			}
			if secret.Namespace == namespace {
				secrets = append(secrets, &secret)
			}
			return nil
		})
	})
	return secrets, err
}

func (s *BoltStore) UpdateSecret(secret *types.Secret) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		if b.Get([]byte(secret.ID)) == nil {
			return fmt.Errorf("secret not found: %s: %w", secret.ID, ErrNotFound)
		}
		secret.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(secret)
		if err != nil {
			return err
		}
		return b.Put([]byte(secret.ID), data)
	})
}

func (s *BoltStore) DeleteSecret(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		return b.Delete([]byte(id))
	})
}

// Namespace operations

func (s *BoltStore) CreateNamespace(ns *types.Namespace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespaces)
		now := time.Now().UTC()
		if ns.CreatedAt.IsZero() {
			ns.CreatedAt = now
		}
		ns.UpdatedAt = now
		data, err := json.Marshal(ns)
		if err != nil {
			return err
		}
		return b.Put([]byte(ns.ID), data)
	})
}

func (s *BoltStore) GetNamespaceByName(name string) (*types.Namespace, error) {
	var found *types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespaces)
		return b.ForEach(func(k, v []byte) error {
			var ns types.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			if ns.Name == name {
				found = &ns
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("namespace not found: %s: %w", name, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListNamespaces() ([]*types.Namespace, error) {
	var namespaces []*types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespaces)
		return b.ForEach(func(k, v []byte) error {
			var ns types.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			namespaces = append(namespaces, &ns)
			return nil
		})
	})
	return namespaces, err
}

func (s *BoltStore) DeleteNamespace(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespaces)
		return b.Delete([]byte(id))
	})
}
