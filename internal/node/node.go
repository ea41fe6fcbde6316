// Package node manages the identity of a Herald server instance and hands out
// the ULIDs used as message ids.
//
// A node's id is generated on first start and persisted in the data
// directory so that log lines and health responses stay attributable across
// restarts. Servers running with the in-memory store have no data directory;
// they get an ephemeral id instead.
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

const nodeIDFile = "node_id"

// ID is a ULID string that uniquely identifies a Herald process.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node holds the identity of this server instance.
type Node struct {
	id        ID
	dataDir   string
	ephemeral bool
}

// New returns a Node whose ID is loaded from dataDir/node_id, generating and
// persisting a fresh one when the file is absent.
//
// An explicit override (anything other than "" or "auto") must be a valid
// ULID and takes precedence. An empty dataDir yields an ephemeral identity
// that is never written to disk.
func New(dataDir string, override string) (*Node, error) {
	if override != "" && override != "auto" {
		if err := validateULID(override); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		return &Node{id: ID(override), dataDir: dataDir, ephemeral: dataDir == ""}, nil
	}

	if dataDir == "" {
		id, err := generateULID(time.Now())
		if err != nil {
			return nil, fmt.Errorf("node: generate id: %w", err)
		}
		return &Node{id: id, ephemeral: true}, nil
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}
	id, err := loadOrGenerate(dataDir)
	if err != nil {
		return nil, err
	}
	return &Node{id: id, dataDir: dataDir}, nil
}

// ID returns the node's ULID.
func (n *Node) ID() ID { return n.id }

// DataDir returns the root data directory, or "" for an ephemeral node.
func (n *Node) DataDir() string { return n.dataDir }

// Ephemeral reports whether the identity lives only for this process.
func (n *Node) Ephemeral() bool { return n.ephemeral }

func loadOrGenerate(dataDir string) (ID, error) {
	path := filepath.Join(dataDir, nodeIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if err := validateULID(id); err != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", id, err)
		}
		return ID(id), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	id, err := generateULID(time.Now())
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return id, nil
}

// A single monotonic entropy source keeps ids generated within the same
// millisecond lexicographically ordered, so sorting by id is creation order.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

func generateULID(at time.Time) (ID, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(at), monoEntropy)
	if err != nil {
		return "", err
	}
	return ID(id.String()), nil
}

func validateULID(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// NewID generates a fresh ULID stamped with the current time.
func NewID() (string, error) {
	return NewIDAt(time.Now())
}

// NewIDAt generates a ULID stamped with at. Stores use it with their own clock
// so ids sort consistently with CreatedAt even under an injected clock.
func NewIDAt(at time.Time) (string, error) {
	id, err := generateULID(at)
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

// IDTime extracts the creation instant embedded in a ULID message id.
func IDTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("node: parse id %q: %w", id, err)
	}
	return ulid.Time(parsed.Time()).UTC(), nil
}
