// Package bootmark tells records created in the current boot session from leftovers of a previous one.
// Dir keeps one file per marked job in a directory on volatile storage, cleared by the host on reboot.
// BootTime keeps marks in a regular file together with the host boot time they were made in.
package bootmark

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/jobstore/app/job"
)

const (
	markSuffix  = ".mark"
	maxFileName = 255 // NAME_MAX of common filesystems, bytes
)

// Dir keeps marks as files in location. Location must be on tmpfs (/run, /dev/shm) to be cleared by reboot
type Dir struct {
	location string
}

// NewDir makes marker for given location, creating it if needed
func NewDir(location string) (*Dir, error) {
	if err := os.MkdirAll(location, 0o700); err != nil {
		return nil, fmt.Errorf("can't make marker location %s: %w", location, err)
	}
	return &Dir{location: location}, nil
}

// Mark makes a file for job identity
func (d *Dir) Mark(id job.Identity) error {
	fname := d.fileName(id)
	log.Printf("[DEBUG] create boot mark %s", fname)
	content := strings.Join([]string{id.Namespace, id.Handler, strconv.Itoa(id.JobID)}, "\n")
	return os.WriteFile(fname, []byte(content), 0o600)
}

// Unmark removes the file, missing file is not an error
func (d *Dir) Unmark(id job.Identity) error {
	fname := d.fileName(id)
	log.Printf("[DEBUG] delete boot mark %s", fname)
	if err := os.Remove(fname); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsMarked checks if the file exists
func (d *Dir) IsMarked(id job.Identity) bool {
	_, err := os.Stat(d.fileName(id))
	return err == nil
}

// List returns all marked identities, unreadable mark files are skipped
func (d *Dir) List() (res []job.Identity) {
	entries, err := os.ReadDir(d.location)
	if err != nil {
		log.Printf("[WARN] can't get marks list for %s, %s", d.location, err)
		return []job.Identity{}
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), markSuffix) {
			continue
		}
		fileName := filepath.Join(d.location, entry.Name())
		data, err := os.ReadFile(fileName) //nolint:gosec // file in our own location
		if err != nil {
			log.Printf("[WARN] failed to read mark file %s, %s", fileName, err)
			continue
		}
		elems := strings.Split(string(data), "\n")
		if len(elems) != 3 {
			log.Printf("[WARN] bad mark file %s", fileName)
			continue
		}
		jobID, err := strconv.Atoi(elems[2])
		if err != nil {
			log.Printf("[WARN] bad job id in mark file %s, %s", fileName, err)
			continue
		}
		res = append(res, job.Identity{Client: job.Client{Namespace: elems[0], Handler: elems[1]}, JobID: jobID})
	}
	return res
}

func (d *Dir) String() string {
	return fmt.Sprintf("dir:%s", d.location)
}

// fileName escapes each part separately, '#' never survives escaping so names can't collide.
// Names over the file name limit are replaced by their hash, hashes never contain '#'.
func (d *Dir) fileName(id job.Identity) string {
	name := url.PathEscape(id.Namespace) + "#" + url.PathEscape(id.Handler) + "#" + strconv.Itoa(id.JobID)
	if len(name)+len(markSuffix) > maxFileName {
		sum := sha256.Sum256([]byte(name))
		name = hex.EncodeToString(sum[:])
	}
	return filepath.Join(d.location, name+markSuffix)
}
