// Package objectstore is the archive half of the Storage Actuator: HEAD,
// list, and delete over archive objects and their integrity sidecars. The
// Archive/Restore Job itself does the upload/download (§4.1.1); the control
// plane only ever checks reachability and removes orphans.
package objectstore

import (
	"context"
	"fmt"
)

// ObjectInfo is what callers need from a HEAD.
type ObjectInfo struct {
	Exists bool
	Size   int64
	ETag   string
}

// Store is the narrow capability interface shared by every backend.
type Store interface {
	// Head reports whether an object exists, without downloading it.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// Delete removes an object. Idempotent: succeeds if already absent.
	Delete(ctx context.Context, key string) error

	// List returns object keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config configures either backend uniformly.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseTLS    bool
	Region    string
}

// New constructs the configured backend (storage_backend on the workspace
// selects between them; §9 "Polymorphism over Actuators").
func New(backend string, cfg Config) (Store, error) {
	switch backend {
	case "minio":
		return NewMinioStore(cfg)
	case "s3":
		return NewS3Store(cfg)
	default:
		return nil, fmt.Errorf("objectstore: unknown storage_backend %q", backend)
	}
}

// ArchiveAccessible implements the Storage Actuator's
// `archive_accessible(archive_key) -> (bool, reason)` by requiring both the
// blob and its `.meta` sidecar to be present (§4.1.1's integrity contract).
func ArchiveAccessible(ctx context.Context, s Store, archiveKey string) (bool, string, error) {
	if archiveKey == "" {
		return false, "NoArchive", nil
	}

	blob, err := s.Head(ctx, archiveKey)
	if err != nil {
		return false, "ArchiveAccessError", fmt.Errorf("heading archive blob %s: %w", archiveKey, err)
	}
	if !blob.Exists {
		return false, "ArchiveNotFound", nil
	}

	meta, err := s.Head(ctx, MetaKey(archiveKey))
	if err != nil {
		return false, "ArchiveAccessError", fmt.Errorf("heading archive meta %s: %w", MetaKey(archiveKey), err)
	}
	if !meta.Exists {
		return false, "ArchiveCorrupted", nil
	}
	return true, "ArchiveUploaded", nil
}

// MetaKey is the sidecar object path for an archive blob.
func MetaKey(archiveKey string) string { return archiveKey + ".meta" }
