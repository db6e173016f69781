package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/umputun/jobstore/app/bootmark"
	"github.com/umputun/jobstore/app/clock"
	"github.com/umputun/jobstore/app/job"
	"github.com/umputun/jobstore/app/store"
)

var opts struct {
	Location  string `short:"l" long:"location" env:"JOBSTORE_LOCATION" default:"/var/lib/jobstore" description:"store location"`
	Threshold int    `long:"threshold" env:"JOBSTORE_THRESHOLD" default:"1" description:"mutations collected before flush"`
	Format    string `short:"f" long:"format" env:"JOBSTORE_FORMAT" choice:"text" choice:"yaml" default:"text" description:"dump format"`
	Compact   bool   `long:"compact" env:"JOBSTORE_COMPACT" description:"rewrite store file with surviving jobs only"`
	Dbg       bool   `long:"dbg" env:"JOBSTORE_DEBUG" description:"debug mode"`

	Retry struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"3" description:"how many times to try compacting write"`
		Delay    time.Duration `long:"delay" env:"DELAY" default:"1s" description:"initial delay between attempts"`
	} `group:"retry" namespace:"retry" env-namespace:"JOBSTORE_RETRY"`

	Marker struct {
		Type     string `long:"type" env:"TYPE" choice:"dir" choice:"boot" default:"dir" description:"boot session marker type"`
		Location string `long:"location" env:"LOCATION" default:"/dev/shm/jobstore" description:"marker location"`
	} `group:"marker" namespace:"marker" env-namespace:"JOBSTORE_MARKER"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Filename        string `long:"filename" env:"FILENAME" description:"file to write logs to, stderr if not set"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max size of log file in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of old log files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max days to retain old log files"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"JOBSTORE_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("jobstore %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	signals()

	if err := run(ctx, os.Stdout); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

// run opens the store, prints surviving jobs and optionally rewrites the store file
func run(ctx context.Context, w io.Writer) error {
	marker, err := makeMarker()
	if err != nil {
		return fmt.Errorf("can't make marker: %w", err)
	}
	log.Printf("[DEBUG] store %s, marker %s", opts.Location, marker)

	st, err := store.Open(store.Options{Location: opts.Location, Threshold: opts.Threshold, Marker: marker})
	if err != nil {
		return fmt.Errorf("can't open store: %w", err)
	}
	defer st.Close()

	recs := makeDump(st.Jobs(), time.Now(), clock.System{}.Elapsed())
	if err := dump(w, opts.Format, recs); err != nil {
		return fmt.Errorf("can't dump jobs: %w", err)
	}

	if !opts.Compact {
		return nil
	}
	// failed writes retried with exponential backoff
	retry := job.Backoff{InitialMillis: max(opts.Retry.Delay.Milliseconds(), 1), Policy: job.BackoffExponential}
	err = retry.Repeater(max(opts.Retry.Attempts, 1)).Do(ctx, func() error {
		st.Flush()
		return st.Sync(ctx)
	})
	if err != nil {
		return fmt.Errorf("can't compact store %s: %w", opts.Location, err)
	}
	log.Printf("[INFO] store %s compacted, %d jobs", opts.Location, st.Size())

	if l, ok := marker.(interface{ List() []job.Identity }); ok {
		log.Printf("[INFO] %d orphan marks dropped", dropOrphanMarks(st, marker, l.List()))
	}
	return nil
}

// dropOrphanMarks removes marks of jobs not stored as non-durable anymore
func dropOrphanMarks(st *store.Store, marker store.Marker, marked []job.Identity) (dropped int) {
	for _, id := range marked {
		if r := st.JobByID(id); r != nil && !r.Durable {
			continue
		}
		if err := marker.Unmark(id); err != nil {
			log.Printf("[WARN] can't drop orphan mark %s, %v", id, err)
			continue
		}
		dropped++
	}
	return dropped
}

type markerWithName interface {
	store.Marker
	fmt.Stringer
}

func makeMarker() (markerWithName, error) {
	switch opts.Marker.Type {
	case "boot":
		return bootmark.NewBootTime(filepath.Join(opts.Marker.Location, "boot-session.yml"))
	case "dir", "":
		return bootmark.NewDir(opts.Marker.Location)
	default:
		return nil, fmt.Errorf("unknown marker type %q", opts.Marker.Type)
	}
}

// dumpRecord is the printable view of a record
type dumpRecord struct {
	Job         string         `yaml:"job"`
	Namespace   string         `yaml:"namespace"`
	Handler     string         `yaml:"handler"`
	JobID       int            `yaml:"job_id"`
	Period      string         `yaml:"period,omitempty"`
	NextRun     string         `yaml:"next_run,omitempty"`
	Delay       string         `yaml:"delay,omitempty"`
	Deadline    string         `yaml:"deadline,omitempty"`
	Constraints []string       `yaml:"constraints,omitempty"`
	Backoff     string         `yaml:"backoff"`
	Durable     bool           `yaml:"durable"`
	Payload     map[string]any `yaml:"payload,omitempty"`
}

// makeDump converts records to printable form, elapsed times shown as wall clock relative to now
func makeDump(recs []*job.Record, now time.Time, nowElapsed int64) []dumpRecord {
	toWall := func(elapsed int64) string {
		return now.Add(time.Duration(elapsed-nowElapsed) * time.Millisecond).Format(time.RFC3339)
	}

	res := make([]dumpRecord, 0, len(recs))
	for _, r := range recs {
		d := dumpRecord{Job: r.Identity.String(), Namespace: r.Namespace, Handler: r.Handler, JobID: r.JobID,
			Durable: r.Durable}
		if sched := r.Schedule(); sched != nil {
			d.Period = r.Period().String()
			d.NextRun = sched.Next(now).Format(time.RFC3339)
		}
		if r.HasDelay() {
			d.Delay = toWall(r.EarliestRunElapsed)
		}
		if r.HasDeadline() {
			d.Deadline = toWall(r.LatestRunElapsed)
		}
		if r.Constraints != 0 {
			d.Constraints = strings.Split(r.Constraints.String(), ",")
		}
		b := r.EffectiveBackoff()
		d.Backoff = fmt.Sprintf("%s %v", b.Policy, b.Initial())
		if r.Backoff == nil {
			d.Backoff += " (default)"
		}
		if bundle, ok := r.Payload.(job.Bundle); ok && len(bundle) > 0 {
			d.Payload = bundle
		}
		res = append(res, d)
	}
	return res
}

func dump(w io.Writer, format string, recs []dumpRecord) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(recs); err != nil {
			return err
		}
		return enc.Close()
	}

	for _, d := range recs {
		timing := "one-off"
		if d.Period != "" {
			timing = "every " + d.Period + ", next " + d.NextRun
		}
		lines := []string{fmt.Sprintf("%s %s durable:%v", d.Job, timing, d.Durable)}
		if d.Delay != "" {
			lines = append(lines, "  delay: "+d.Delay)
		}
		if d.Deadline != "" {
			lines = append(lines, "  deadline: "+d.Deadline)
		}
		if len(d.Constraints) > 0 {
			lines = append(lines, "  constraints: "+strings.Join(d.Constraints, ","))
		}
		lines = append(lines, "  backoff: "+d.Backoff)
		for _, k := range job.Bundle(d.Payload).Keys() {
			lines = append(lines, fmt.Sprintf("  %s: %v", k, d.Payload[k]))
		}
		if _, err := fmt.Fprintln(w, strings.Join(lines, "\n")); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "total %d jobs\n", len(recs))
	return err
}

// setupLogs configures lgr and returns the log destination
func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return io.Discard
	}

	var out io.Writer = os.Stderr
	if opts.Log.Filename != "" {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	logOpts := []log.Option{log.Msec, log.Out(out), log.Err(out)}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}
	log.Setup(logOpts...)
	return out
}

func signals() {
	// catch SIGQUIT and print stack traces
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for range sigChan {
			length := runtime.Stack(stacktrace, true)
			fmt.Println(string(stacktrace[:length]))
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT)
}
