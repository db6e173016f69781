package clock

import (
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/host"
)

var (
	fallbackOnce  sync.Once
	fallbackStart time.Time // monotonic reading taken at first use
	fallbackBase  int64     // elapsed millis at fallbackStart
)

// fallbackElapsed derives elapsed time from host boot time once and advances it
// with the process monotonic clock afterwards, so wall clock adjustments don't leak in.
func fallbackElapsed() int64 {
	fallbackOnce.Do(func() {
		fallbackStart = time.Now()
		bt, err := host.BootTime()
		if err != nil {
			log.Printf("[WARN] can't get host boot time, elapsed counts from process start, %v", err)
			return
		}
		fallbackBase = fallbackStart.UnixMilli() - int64(bt)*1000 //nolint:gosec // boot time fits int64
		if fallbackBase < 0 {
			fallbackBase = 0
		}
	})
	return fallbackBase + time.Since(fallbackStart).Milliseconds()
}
