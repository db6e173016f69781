// Package codec maps job records to the persisted job-info XML document and back.
// Timing fields are stored as wall clock values and translated to the elapsed clock on read,
// so persisted deadlines stay meaningful across reboots.
package codec

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/jobstore/app/clock"
	"github.com/umputun/jobstore/app/job"
)

// Version of the persisted document schema
const Version = 0

const xmlHeader = `<?xml version="1.0" encoding="utf-8" standalone="yes"?>` + "\n"

const (
	tagJobInfo     = "job-info"
	tagJob         = "job"
	tagConstraints = "constraints"
	tagPeriodic    = "periodic"
	tagOneOff      = "one-off"
	tagExtras      = "extras"

	attrVersion        = "version"
	attrJobID          = "jobid"
	attrNamespace      = "namespace"
	attrHandler        = "handler"
	attrPeriod         = "period"
	attrPersisted      = "persisted"
	attrDeadline       = "deadline"
	attrDelay          = "delay"
	attrBackoffPolicy  = "backoff-policy"
	attrInitialBackoff = "initial-backoff"
)

var constraintAttrs = []struct {
	name string
	flag job.Constraints
}{
	{"unmetered", job.Unmetered},
	{"connectivity", job.Connectivity},
	{"idle", job.Idle},
	{"charging", job.Charging},
}

// ErrUnsupportedVersion returned for documents of other schema versions
var ErrUnsupportedVersion = errors.New("unsupported job-info version")

// ErrNotJobInfo returned for empty documents or documents with a different root element
var ErrNotJobInfo = errors.New("not a job-info document")

// RecordError describes a single unreadable job record. Decode skips such records
type RecordError struct {
	JobID  string // raw jobid attribute, may be empty
	Reason error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("bad job record %q: %v", e.JobID, e.Reason)
}

func (e *RecordError) Unwrap() error { return e.Reason }

// PayloadCodec serializes opaque job payloads inside the extras element.
// DecodePayload gets a decoder over the extras content only and reads it to io.EOF.
type PayloadCodec interface {
	EncodePayload(enc *xml.Encoder, p job.Payload) error
	DecodePayload(dec *xml.Decoder) (job.Payload, error)
}

// Codec encodes and decodes job-info documents
type Codec struct {
	Clock   clock.Clock
	Payload PayloadCodec
}

// New makes Codec with the default bundle payload codec
func New(clk clock.Clock) *Codec {
	return &Codec{Clock: clk, Payload: BundleCodec{}}
}

// Encode writes all records as a single job-info document. A record failing to encode,
// e.g. with unsupported payload, is logged and skipped, the rest are written.
func (c *Codec) Encode(w io.Writer, records []job.Record) error {
	nowWall, nowElapsed := c.Clock.Wall(), c.Clock.Elapsed()

	if _, err := io.WriteString(w, xmlHeader); err != nil {
		return fmt.Errorf("can't write header: %w", err)
	}
	enc := xml.NewEncoder(w)
	root := start(tagJobInfo, attr(attrVersion, strconv.Itoa(Version)))
	if err := enc.EncodeToken(root); err != nil {
		return fmt.Errorf("can't write %s: %w", tagJobInfo, err)
	}
	if err := enc.Flush(); err != nil {
		return fmt.Errorf("can't write %s: %w", tagJobInfo, err)
	}

	// each job goes through its own encoder, a failed one leaves nothing behind
	buf := bytes.Buffer{}
	for i := range records {
		buf.Reset()
		buf.WriteByte('\n')
		jobEnc := xml.NewEncoder(&buf)
		jobEnc.Indent("  ", "  ")
		err := c.encodeJob(jobEnc, &records[i], nowWall, nowElapsed)
		if err == nil {
			err = jobEnc.Flush()
		}
		if err != nil {
			log.Printf("[WARN] skip job %s, can't encode, %v", records[i].Identity, err)
			continue
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return fmt.Errorf("can't write job %s: %w", records[i].Identity, err)
		}
	}

	if _, err := io.WriteString(w, "\n</"+tagJobInfo+">\n"); err != nil {
		return fmt.Errorf("can't close %s: %w", tagJobInfo, err)
	}
	return nil
}

func (c *Codec) encodeJob(enc *xml.Encoder, r *job.Record, nowWall, nowElapsed int64) error {
	jobStart := start(tagJob,
		attr(attrJobID, strconv.Itoa(r.JobID)),
		attr(attrNamespace, r.Namespace),
		attr(attrHandler, r.Handler))
	if err := enc.EncodeToken(jobStart); err != nil {
		return err
	}

	// only active constraints are written
	constraints := start(tagConstraints)
	for _, ca := range constraintAttrs {
		if r.Constraints.Has(ca.flag) {
			constraints.Attr = append(constraints.Attr, attr(ca.name, "true"))
		}
	}
	if err := encodeEmpty(enc, constraints); err != nil {
		return err
	}

	if err := encodeEmpty(enc, timingElement(r, nowWall, nowElapsed)); err != nil {
		return err
	}

	extras := start(tagExtras)
	if err := enc.EncodeToken(extras); err != nil {
		return err
	}
	if r.Payload != nil {
		if err := c.Payload.EncodePayload(enc, r.Payload); err != nil {
			return fmt.Errorf("can't encode payload: %w", err)
		}
	}
	if err := enc.EncodeToken(extras.End()); err != nil {
		return err
	}
	return enc.EncodeToken(jobStart.End())
}

// timingElement makes periodic or one-off element. Elapsed times converted to wall clock.
func timingElement(r *job.Record, nowWall, nowElapsed int64) xml.StartElement {
	var el xml.StartElement
	if r.Periodic {
		el = start(tagPeriodic, attr(attrPeriod, strconv.FormatInt(r.PeriodMillis, 10)))
	} else {
		el = start(tagOneOff)
	}
	if r.Durable {
		el.Attr = append(el.Attr, attr(attrPersisted, "true"))
	}
	if !r.Periodic {
		if r.HasDeadline() {
			el.Attr = append(el.Attr, attr(attrDeadline, strconv.FormatInt(toWall(r.LatestRunElapsed, nowWall, nowElapsed), 10)))
		}
		if r.HasDelay() {
			el.Attr = append(el.Attr, attr(attrDelay, strconv.FormatInt(toWall(r.EarliestRunElapsed, nowWall, nowElapsed), 10)))
		}
	}
	if r.Backoff != nil && !r.Backoff.IsDefault() {
		el.Attr = append(el.Attr,
			attr(attrBackoffPolicy, strconv.Itoa(int(r.Backoff.Policy))),
			attr(attrInitialBackoff, strconv.FormatInt(r.Backoff.InitialMillis, 10)))
	}
	return el
}

// Decode reads job-info document. Unreadable records are logged and skipped, the document as a whole
// fails only on malformed xml, a foreign root element or unsupported version.
func (c *Codec) Decode(r io.Reader) ([]*job.Record, error) {
	nowWall, nowElapsed := c.Clock.Wall(), c.Clock.Elapsed()
	dec := xml.NewDecoder(r)

	root, err := firstElement(dec)
	if err != nil {
		return nil, err
	}
	if root.Name.Local != tagJobInfo {
		return nil, fmt.Errorf("%w: root element %q", ErrNotJobInfo, root.Name.Local)
	}
	ver, ok := attrValue(root.Attr, attrVersion)
	if !ok {
		return nil, fmt.Errorf("%w: no version", ErrUnsupportedVersion)
	}
	if v, err := strconv.Atoi(ver); err != nil || v != Version {
		return nil, fmt.Errorf("%w: %q, expected %d", ErrUnsupportedVersion, ver, Version)
	}

	res := []*job.Record{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("can't read %s: %w", tagJobInfo, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != tagJob {
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("can't skip %s: %w", t.Name.Local, err)
				}
				continue
			}
			var n node
			if err := dec.DecodeElement(&n, &t); err != nil {
				return nil, fmt.Errorf("can't read %s: %w", tagJob, err)
			}
			rec, err := c.decodeJob(n, nowWall, nowElapsed)
			if err != nil {
				log.Printf("[WARN] skip persisted job, %v", err)
				continue
			}
			res = append(res, rec)
		case xml.EndElement: // end of job-info
			return res, nil
		}
	}
}

// decodeJob builds record from job element. Any error is a *RecordError
func (c *Codec) decodeJob(n node, nowWall, nowElapsed int64) (*job.Record, error) {
	rawID, _ := n.attr(attrJobID)
	fail := func(format string, args ...any) (*job.Record, error) {
		return nil, &RecordError{JobID: rawID, Reason: fmt.Errorf(format, args...)}
	}

	jobID, err := strconv.Atoi(rawID)
	if err != nil {
		return fail("bad %s: %w", attrJobID, err)
	}
	namespace, _ := n.attr(attrNamespace)
	handler, _ := n.attr(attrHandler)
	if namespace == "" || handler == "" {
		return fail("missing %s or %s", attrNamespace, attrHandler)
	}
	rec := job.NewOneOff(job.Identity{Client: job.Client{Namespace: namespace, Handler: handler}, JobID: jobID})

	if len(n.Nodes) < 3 {
		return fail("expected %s, timing and %s elements, got %d elements", tagConstraints, tagExtras, len(n.Nodes))
	}
	constraints, timing, extras := n.Nodes[0], n.Nodes[1], n.Nodes[2]

	if constraints.XMLName.Local != tagConstraints {
		return fail("expected %s, got %s", tagConstraints, constraints.XMLName.Local)
	}
	for _, ca := range constraintAttrs {
		val, ok := constraints.attr(ca.name)
		if !ok {
			continue
		}
		on, err := strconv.ParseBool(val)
		if err != nil {
			return fail("bad constraint %s: %w", ca.name, err)
		}
		if on {
			rec.Constraints = rec.Constraints.With(ca.flag)
		}
	}

	switch timing.XMLName.Local {
	case tagPeriodic:
		period, err := timing.int64Attr(attrPeriod)
		if err != nil {
			return fail("bad %s: %w", attrPeriod, err)
		}
		rec.Periodic, rec.PeriodMillis = true, period
	case tagOneOff:
		if val, ok := timing.attr(attrDeadline); ok {
			wall, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return fail("bad %s: %w", attrDeadline, err)
			}
			rec.LatestRunElapsed = toElapsed(wall, nowWall, nowElapsed)
		}
		if val, ok := timing.attr(attrDelay); ok {
			wall, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return fail("bad %s: %w", attrDelay, err)
			}
			rec.EarliestRunElapsed = toElapsed(wall, nowWall, nowElapsed)
		}
	default:
		return fail("expected %s or %s, got %s", tagPeriodic, tagOneOff, timing.XMLName.Local)
	}

	if val, ok := timing.attr(attrPersisted); ok {
		if rec.Durable, err = strconv.ParseBool(val); err != nil {
			return fail("bad %s: %w", attrPersisted, err)
		}
	}

	if val, ok := timing.attr(attrInitialBackoff); ok {
		initial, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fail("bad %s: %w", attrInitialBackoff, err)
		}
		policy, err := timing.int64Attr(attrBackoffPolicy)
		if err != nil {
			return fail("bad %s: %w", attrBackoffPolicy, err)
		}
		rec.Backoff = &job.Backoff{InitialMillis: initial, Policy: job.BackoffPolicy(policy)}
	}

	if extras.XMLName.Local != tagExtras {
		return fail("expected %s, got %s", tagExtras, extras.XMLName.Local)
	}
	payload, err := c.Payload.DecodePayload(xml.NewDecoder(bytes.NewReader(extras.Inner)))
	if err != nil {
		return fail("bad %s: %w", tagExtras, err)
	}
	rec.Payload = payload

	if err := rec.Validate(); err != nil {
		return fail("%w", err)
	}
	return rec, nil
}

// maxTime is the latest representable time, one below job.NoLatestRuntime so a saturated
// deadline is still a deadline
const maxTime = job.NoLatestRuntime - 1

// toElapsed converts persisted wall clock time to elapsed clock. Past times become "now", never negative delay.
// Far future times saturate at maxTime.
func toElapsed(wall, nowWall, nowElapsed int64) int64 {
	if wall <= nowWall {
		return nowElapsed
	}
	return satAdd(nowElapsed, satSub(wall, nowWall))
}

// toWall converts elapsed clock time to wall clock for persisting
func toWall(elapsed, nowWall, nowElapsed int64) int64 {
	return satAdd(nowWall, satSub(elapsed, nowElapsed))
}

// satAdd returns a+b clamped to [math.MinInt64, maxTime]
func satAdd(a, b int64) int64 {
	if b > 0 && a > maxTime-b {
		return maxTime
	}
	if b < 0 && a < math.MinInt64-b {
		return math.MinInt64
	}
	return min(a+b, maxTime)
}

// satSub returns a-b clamped to [math.MinInt64, maxTime]
func satSub(a, b int64) int64 {
	if b == math.MinInt64 { // -b overflows
		if a >= 0 {
			return maxTime
		}
		return satAdd(a+1, math.MaxInt64)
	}
	return satAdd(a, -b)
}

func firstElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return xml.StartElement{}, fmt.Errorf("%w: empty document", ErrNotJobInfo)
		}
		if err != nil {
			return xml.StartElement{}, fmt.Errorf("can't read document: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

// node is a generic element tree, used to read a whole job element before interpreting it
type node struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   []byte     `xml:",innerxml"`
	Nodes   []node     `xml:",any"`
}

func (n node) attr(name string) (string, bool) { return attrValue(n.Attrs, name) }

func (n node) int64Attr(name string) (int64, error) {
	val, ok := n.attr(name)
	if !ok {
		return 0, fmt.Errorf("missing %s", name)
	}
	return strconv.ParseInt(val, 10, 64)
}

func attrValue(attrs []xml.Attr, name string) (string, bool) {
	for _, a := range attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func start(name string, attrs ...xml.Attr) xml.StartElement {
	return xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs}
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

func encodeEmpty(enc *xml.Encoder, el xml.StartElement) error {
	if err := enc.EncodeToken(el); err != nil {
		return err
	}
	return enc.EncodeToken(el.End())
}
