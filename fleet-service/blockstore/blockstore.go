// Package blockstore persists the two pieces of state that survive fleet
// service restarts: the machine blocklist and the throttled-IP prefix list.
// Both are plain comma-joined text files. Everything else (sessions,
// tunnels) is rebuilt from live sources every cycle.
package blockstore

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/renderfleet/renderfleet/backend/services/utils"
	"github.com/spf13/afero"
)

const (
	// BlockListFile holds the comma-joined machine ids excluded from
	// acquisition forever.
	BlockListFile = "blocked_machines.txt"

	// ThrottledPrefixesFile holds comma-joined IP prefixes of uplinks known
	// to be throttled.
	ThrottledPrefixesFile = "throttled_prefixes.txt"
)

// Store is a thin file-backed persistence layer. It takes an afero.Fs so
// tests can run against an in-memory filesystem.
type Store struct {
	FS  afero.Fs
	Dir string
}

// New creates a Store rooted at dir, creating the directory if absent.
func New(fs afero.Fs, dir string) (*Store, error) {
	err := fs.MkdirAll(dir, 0755)
	if err != nil {
		return nil, utils.MakeError("failed to create state directory %s: %s", dir, err)
	}

	return &Store{FS: fs, Dir: dir}, nil
}

// ReadOrCreate returns the contents of the named file, creating it empty if
// it does not exist yet.
func (s *Store) ReadOrCreate(name string) (string, error) {
	path := s.Dir + string(os.PathSeparator) + name

	exists, err := afero.Exists(s.FS, path)
	if err != nil {
		return "", utils.MakeError("failed to stat %s: %s", path, err)
	}
	if !exists {
		err = afero.WriteFile(s.FS, path, []byte{}, 0644)
		if err != nil {
			return "", utils.MakeError("failed to create %s: %s", path, err)
		}
		return "", nil
	}

	content, err := afero.ReadFile(s.FS, path)
	if err != nil {
		return "", utils.MakeError("failed to read %s: %s", path, err)
	}

	return string(content), nil
}

// Overwrite replaces the contents of the named file.
func (s *Store) Overwrite(name string, content string) error {
	path := s.Dir + string(os.PathSeparator) + name

	err := afero.WriteFile(s.FS, path, []byte(content), 0644)
	if err != nil {
		return utils.MakeError("failed to write %s: %s", path, err)
	}

	return nil
}

// BlockList is the persisted set of machine ids permanently excluded from
// acquisition. It is loaded once at startup and only ever grows. All
// mutation happens on the fleet algorithm goroutine, so it needs no lock.
type BlockList struct {
	store      *Store
	machineIDs []int
}

// LoadBlockList reads the blocklist file, creating it if absent.
func LoadBlockList(store *Store) (*BlockList, error) {
	content, err := store.ReadOrCreate(BlockListFile)
	if err != nil {
		return nil, err
	}

	list := &BlockList{store: store}
	for _, field := range strings.Split(content, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.Atoi(field)
		if err != nil {
			return nil, utils.MakeError("blocklist file contains a non-numeric machine id %q", field)
		}
		list.machineIDs = append(list.machineIDs, id)
	}

	return list, nil
}

// Contains reports whether the given machine id is blocked.
func (b *BlockList) Contains(machineID int) bool {
	for _, id := range b.machineIDs {
		if id == machineID {
			return true
		}
	}
	return false
}

// MachineIDs returns the blocked machine ids, for passing to the
// marketplace as offer exclusions.
func (b *BlockList) MachineIDs() []int {
	ids := make([]int, len(b.machineIDs))
	copy(ids, b.machineIDs)
	return ids
}

// Block adds the machine id to the list and persists it immediately.
// Blocking an already-blocked machine is a no-op.
func (b *BlockList) Block(machineID int) error {
	if b.Contains(machineID) {
		return nil
	}

	b.machineIDs = append(b.machineIDs, machineID)

	joined := make([]string, len(b.machineIDs))
	for i, id := range b.machineIDs {
		joined[i] = strconv.Itoa(id)
	}

	return b.store.Overwrite(BlockListFile, strings.Join(joined, ","))
}

// ThrottledPrefixes is the persisted list of IP prefixes behind throttled
// uplinks. Unlike the blocklist it is reloaded on a schedule, from a
// different goroutine than the one reading it, so access is guarded.
type ThrottledPrefixes struct {
	store    *Store
	rw       sync.RWMutex
	prefixes []string
}

// LoadThrottledPrefixes reads the throttled prefix file, creating it if
// absent.
func LoadThrottledPrefixes(store *Store) (*ThrottledPrefixes, error) {
	throttled := &ThrottledPrefixes{store: store}
	err := throttled.Reload()
	if err != nil {
		return nil, err
	}

	return throttled, nil
}

// Reload re-reads the prefix file. It runs at startup and then on a fixed
// schedule, so operators can append prefixes without restarting the service.
func (t *ThrottledPrefixes) Reload() error {
	content, err := t.store.ReadOrCreate(ThrottledPrefixesFile)
	if err != nil {
		return err
	}

	var prefixes []string
	for _, field := range strings.Split(content, ",") {
		field = strings.TrimSpace(field)
		if field != "" {
			prefixes = append(prefixes, field)
		}
	}

	t.rw.Lock()
	t.prefixes = prefixes
	t.rw.Unlock()

	return nil
}

// Match returns the matching throttled prefix for the given address, or ""
// if the address is not behind any known throttled uplink.
func (t *ThrottledPrefixes) Match(addr string) string {
	t.rw.RLock()
	defer t.rw.RUnlock()

	for _, prefix := range t.prefixes {
		if strings.HasPrefix(addr, prefix) {
			return prefix
		}
	}
	return ""
}
