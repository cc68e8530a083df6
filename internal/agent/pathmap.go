// Package agent implements the host-side upcall handlers that service the
// TEE over the driver's agent channels: secure storage (fs), miscellaneous
// (NV info, time sync), and secure file load (TA/driver library streaming).
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Well-known logical path tags the default PathMapper recognizes, matching
// the two root tags the original secure-storage agent hardcodes plus their
// per-user variants.
const (
	TagStorageData = "sec_storage_data"
	TagStorage     = "sec_storage"
)

// PathMapper translates a logical path the TEE supplies (e.g.
// "sec_storage_data/1000/app/foo.dat") into a host filesystem path rooted
// under one of the two partition roots. Products that need a different tag
// set implement their own; DefaultPathMapper ships the two tags above.
type PathMapper interface {
	Resolve(logical string) (string, error)
}

// partitionRoots is read from the environment exactly as spec.md's
// configuration section describes: SFS_PARTITION_TRANSIENT backs volatile
// storage, SFS_PARTITION_PERSISTENT backs durable storage. Neither has a
// hardcoded default; NewDefaultPathMapper fails when either is unset rather
// than silently writing under the working directory.
type partitionRoots struct {
	transient  string
	persistent string
}

func loadPartitionRoots() (partitionRoots, error) {
	transient := os.Getenv("SFS_PARTITION_TRANSIENT")
	persistent := os.Getenv("SFS_PARTITION_PERSISTENT")

	if transient == "" || persistent == "" {
		return partitionRoots{}, fmt.Errorf("agent: SFS_PARTITION_TRANSIENT and SFS_PARTITION_PERSISTENT must both be set")
	}

	return partitionRoots{transient: transient, persistent: persistent}, nil
}

// DefaultPathMapper implements the JoinFileName rule from the original
// secure-storage agent: a logical path under the sec_storage_data tag is
// rewritten as <persistent-root>/<rest>; a logical path under the
// plain sec_storage tag (or with no recognized tag at all) is joined
// directly under the transient root, the agent's "everything else" case.
type DefaultPathMapper struct {
	roots partitionRoots
}

// NewDefaultPathMapper reads the two partition roots from the environment.
func NewDefaultPathMapper() (*DefaultPathMapper, error) {
	roots, err := loadPartitionRoots()
	if err != nil {
		return nil, err
	}

	return &DefaultPathMapper{roots: roots}, nil
}

func (m *DefaultPathMapper) Resolve(logical string) (string, error) {
	if logical == "" || strings.Contains(logical, "..") {
		return "", fmt.Errorf("agent: rejected logical path %q", logical)
	}

	switch {
	case strings.HasPrefix(logical, TagStorageData):
		rest := strings.TrimPrefix(logical, TagStorageData)
		rest = strings.TrimPrefix(rest, "/")

		return filepath.Join(m.roots.persistent, rest), nil

	case strings.HasPrefix(logical, TagStorage):
		rest := strings.TrimPrefix(logical, TagStorage)
		rest = strings.TrimPrefix(rest, "/")

		return filepath.Join(m.roots.transient, rest), nil

	default:
		// Names that carry neither tag are treated as already relative to
		// the transient root, the "add sec_storage for the path" fallback
		// the original DoJoinFileName takes.
		return filepath.Join(m.roots.transient, logical), nil
	}
}
