package clock

import (
	"time"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/sys/unix"
)

// elapsed reads CLOCK_BOOTTIME, monotonic and not stopped during suspend
func elapsed() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		log.Printf("[WARN] can't read boot time clock, %v", err)
		return fallbackElapsed()
	}
	return time.Duration(ts.Nano()).Milliseconds()
}
