// Package node manages the persistent identity of this station. Every data
// directory carries a ULID generated on first start; it is the charge point
// identity in the CSMS connection URL unless an explicit id is configured.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const idFile = "station_id"

// ID identifies a station. It is stable across restarts within the same
// data directory.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node holds the persistent identity of this station.
type Node struct {
	id        ID
	dataDir   string
	generated bool
}

// New returns a Node rooted at dataDir, creating the directory if needed.
//
// An override other than "" or "auto" is used verbatim; charge point
// identities are assigned by the operator and are not required to be ULIDs.
// Otherwise the ID is loaded from dataDir/station_id, generating and
// persisting a new ULID when the file does not exist.
func New(dataDir string, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if strings.ContainsAny(override, "/?# ") {
			return nil, fmt.Errorf("node: station id %q is not URL path safe", override)
		}
		return &Node{id: ID(override), dataDir: dataDir}, nil
	}

	id, generated, err := loadOrGenerate(dataDir)
	if err != nil {
		return nil, err
	}
	return &Node{id: id, dataDir: dataDir, generated: generated}, nil
}

// ID returns the station identity.
func (n *Node) ID() ID { return n.id }

// DataDir returns the root data directory.
func (n *Node) DataDir() string { return n.dataDir }

// Generated reports whether the ID was created by this New call.
func (n *Node) Generated() bool { return n.generated }

func loadOrGenerate(dataDir string) (ID, bool, error) {
	path := filepath.Join(dataDir, idFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, err := ulid.ParseStrict(id); err != nil {
			return "", false, fmt.Errorf("node: persisted id %q is invalid: %w", id, err)
		}
		return ID(id), false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", false, fmt.Errorf("node: read id file: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return "", false, fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return "", false, fmt.Errorf("node: persist id: %w", err)
	}
	return ID(id), true, nil
}

// entropy is shared so ids generated within one millisecond still sort.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh, time-ordered ULID. Diagnostics upload jobs use it
// for their request ids.
func NewID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}
