package bootmark

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/host"
	"gopkg.in/yaml.v3"

	"github.com/umputun/jobstore/app/atomicfile"
	"github.com/umputun/jobstore/app/job"
)

// bootTimeSlack absorbs rounding of the boot time reported by the host
const bootTimeSlack = 2

// BootTime keeps marks in a yaml file stamped with the host boot time. Marks made under another
// boot time are stale and dropped. Works on persistent storage, no tmpfs required.
type BootTime struct {
	file *atomicfile.File

	lock    sync.Mutex
	current uint64
	marks   map[job.Identity]struct{}
}

type bootTimeFile struct {
	BootTime uint64        `yaml:"boot_time"`
	Jobs     []bootTimeJob `yaml:"jobs"`
}

type bootTimeJob struct {
	Namespace string `yaml:"namespace"`
	Handler   string `yaml:"handler"`
	JobID     int    `yaml:"job_id"`
}

// NewBootTime loads marks from path, dropping them if the host rebooted since they were made
func NewBootTime(path string) (*BootTime, error) {
	return newBootTime(path, host.BootTime)
}

func newBootTime(path string, bootTime func() (uint64, error)) (*BootTime, error) {
	current, err := bootTime()
	if err != nil {
		return nil, fmt.Errorf("can't get host boot time: %w", err)
	}
	res := &BootTime{file: atomicfile.New(path), current: current, marks: map[job.Identity]struct{}{}}

	data, err := res.file.ReadFile()
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("can't read marks: %w", err)
	}

	var stored bootTimeFile
	if err := yaml.Unmarshal(data, &stored); err != nil {
		log.Printf("[WARN] can't parse marks %s, all marks dropped, %v", path, err)
		return res, nil
	}
	if !sameBoot(stored.BootTime, current) {
		log.Printf("[INFO] host rebooted since marks were made (%d != %d), %d marks dropped",
			stored.BootTime, current, len(stored.Jobs))
		return res, nil
	}
	for _, j := range stored.Jobs {
		res.marks[job.Identity{Client: job.Client{Namespace: j.Namespace, Handler: j.Handler}, JobID: j.JobID}] = struct{}{}
	}
	return res, nil
}

// Mark adds identity and saves marks
func (b *BootTime) Mark(id job.Identity) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.marks[id] = struct{}{}
	return b.save()
}

// Unmark removes identity and saves marks
func (b *BootTime) Unmark(id job.Identity) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, ok := b.marks[id]; !ok {
		return nil
	}
	delete(b.marks, id)
	return b.save()
}

// IsMarked checks identity was marked during the current boot
func (b *BootTime) IsMarked(id job.Identity) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	_, ok := b.marks[id]
	return ok
}

func (b *BootTime) String() string {
	return fmt.Sprintf("boot-time:%s", b.file.Path())
}

// save writes all marks, must be called under lock
func (b *BootTime) save() error {
	stored := bootTimeFile{BootTime: b.current, Jobs: make([]bootTimeJob, 0, len(b.marks))}
	for id := range b.marks {
		stored.Jobs = append(stored.Jobs, bootTimeJob{Namespace: id.Namespace, Handler: id.Handler, JobID: id.JobID})
	}
	sort.Slice(stored.Jobs, func(i, j int) bool {
		a, c := stored.Jobs[i], stored.Jobs[j]
		if a.Namespace != c.Namespace {
			return a.Namespace < c.Namespace
		}
		if a.Handler != c.Handler {
			return a.Handler < c.Handler
		}
		return a.JobID < c.JobID
	})
	data, err := yaml.Marshal(stored)
	if err != nil {
		return fmt.Errorf("can't marshal marks: %w", err)
	}
	if err := b.file.WriteFile(data); err != nil {
		return fmt.Errorf("can't save marks: %w", err)
	}
	return nil
}

func sameBoot(a, b uint64) bool {
	if a > b {
		return a-b <= bootTimeSlack
	}
	return b-a <= bootTimeSlack
}
