package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
)

// ChaosConfig controls fault injection probabilities.
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
//
// The zero value disables all fault injection. Partially initialized configs
// only inject faults for the specified rates; unset fields default to 0.0.
//
// Fault injection is enabled by default ([ChaosModeActive]). Use
// [Chaos.SetMode] with [ChaosModeNoOp] to disable injection and pass
// all operations through to the underlying filesystem.
type ChaosConfig struct {
	// ReadFailRate controls how often FS.ReadFile, File.Read and File.ReadAt
	// fail entirely, returning zero bytes and an error. For ReadFile, the
	// error may be an open-phase failure (EACCES, EMFILE, ENFILE, ENOTDIR) or
	// a read-phase failure (EIO). For File.Read and File.ReadAt, always EIO.
	ReadFailRate float64

	// PartialReadRate controls how often reads return incomplete data.
	// For FS.ReadFile: a truncated prefix of the file plus an EIO error.
	// For File.Read: a short read (n < len(buf), err==nil), which is valid
	// io.Reader behavior and tests that callers loop until EOF.
	// For File.ReadAt: a short read plus an EIO error, since io.ReaderAt
	// requires a non-nil error whenever n < len(buf).
	PartialReadRate float64

	// CorruptReadRate controls how often a successful File.ReadAt has one
	// byte of its result flipped while still reporting success. This models
	// silent media corruption and exercises integrity checks above the
	// filesystem.
	CorruptReadRate float64

	// WriteFailRate controls how often FS.WriteFileAtomic fails. The target
	// path is left untouched. Returns EIO, ENOSPC, EDQUOT, or EROFS.
	WriteFailRate float64

	// FileStatFailRate controls how often File.Stat fails on an open file
	// handle, returning EIO.
	FileStatFailRate float64

	// CloseFailRate controls how often File.Close reports an error. The
	// underlying file descriptor is always closed even when an error is
	// returned. Returns EIO.
	CloseFailRate float64

	// OpenFailRate controls how often FS.Open fails.
	// Returns EACCES, EIO, EMFILE, ENFILE, or ENOTDIR.
	OpenFailRate float64

	// StatFailRate controls how often FS.Stat and FS.Exists fail on a path.
	// Returns EACCES or EIO.
	StatFailRate float64

	// MkdirAllFailRate controls how often FS.MkdirAll fails to create
	// directories. Returns EACCES, EIO, ENOSPC, EDQUOT, EROFS, or ENOTDIR.
	MkdirAllFailRate float64

	// ReadDirFailRate controls how often FS.ReadDir fails entirely, returning
	// no entries. Returns EACCES, EIO, ENOTDIR, EMFILE, or ENFILE.
	ReadDirFailRate float64

	// ReadDirPartialRate controls how often FS.ReadDir returns a random
	// prefix of the entries along with an EIO error.
	ReadDirPartialRate float64

	// TraceCapacity is the max number of operations to keep in the trace log.
	// Set to 0 (default) to disable tracing. Tracing records all operations
	// including those where Chaos modified behavior without returning an error
	// (e.g., short reads with nil error, corrupted bytes).
	TraceCapacity int
}

// ChaosMode controls how [Chaos] behaves.
type ChaosMode uint8

const (
	// ChaosModeActive enables fault-rate injection.
	// This is the default mode for a new [Chaos].
	ChaosModeActive ChaosMode = iota

	// ChaosModeNoOp passes every operation directly to the underlying FS.
	ChaosModeNoOp
)

// ChaosStats contains counts of injected faults.
type ChaosStats struct {
	OpenFails       int64
	ReadFails       int64
	WriteFails      int64
	ReadDirFails    int64
	PartialReads    int64
	CorruptReads    int64
	PartialReadDirs int64
	StatFails       int64
	MkdirAllFails   int64
	FileStatFails   int64
	CloseFails      int64
}

// chaosError marks an error as intentionally injected by [Chaos].
//
// It wraps the underlying error so errors.Is/As continue to work. Errno-style
// errors wrap an [*fs.PathError] carrying a [syscall.Errno], so helpers like
// [os.IsPermission] keep working while [IsChaosErr] can still distinguish
// injected from real OS errors.
type chaosError struct {
	Err error
}

func (e *chaosError) Error() string {
	return "chaos: " + e.Err.Error()
}

func (e *chaosError) Unwrap() error {
	return e.Err
}

// IsChaosErr reports whether err (or any wrapped error) was injected by [Chaos].
// Returns false if err is nil.
func IsChaosErr(err error) bool {
	var injected *chaosError

	return errors.As(err, &injected)
}

// Chaos wraps an [FS] and injects random failures for testing.
//
// It is a "real filesystem + fault injection" wrapper, not a filesystem
// simulator. Each call independently decides whether to inject; there is no
// per-path sticky state.
//
// Error model:
//   - Injected errors are [*fs.PathError] values with a real [syscall.Errno],
//     marked so [IsChaosErr] can identify them.
//   - Chaos never injects ENOENT or EINTR. Missing paths come from the wrapped
//     [FS]; EINTR is retried inside the stdlib.
//
// Return-shape constraints:
//   - File.Read injected failures return n==0 with a non-nil error.
//   - File.ReadAt short reads always carry a non-nil error, as [io.ReaderAt]
//     requires. Corrupted reads return n==len(buf) and err==nil.
//   - File.Close injected failures still close the underlying file.
//   - EOF is never injected; it comes from the wrapped filesystem.
//
// Use [Chaos.SetMode] to control behavior and [Chaos.Stats] to inspect how many
// faults were injected.
type Chaos struct {
	fs     FS
	rng    *rand.Rand
	config ChaosConfig
	mode   atomic.Uint32
	trace  *chaosTrace

	rngMu sync.Mutex

	openFails       atomic.Int64
	readFails       atomic.Int64
	writeFails      atomic.Int64
	readDirFails    atomic.Int64
	partialReads    atomic.Int64
	corruptReads    atomic.Int64
	partialReadDirs atomic.Int64
	statFails       atomic.Int64
	mkdirAllFails   atomic.Int64
	fileStatFails   atomic.Int64
	closeFails      atomic.Int64
}

// NewChaos creates a new [Chaos] filesystem wrapping the given [FS].
// The seed controls random fault injection for reproducibility.
// Panics if underlying is nil.
func NewChaos(underlying FS, seed int64, config ChaosConfig) *Chaos {
	if underlying == nil {
		panic("underlying fs is nil")
	}

	return &Chaos{
		fs:     underlying,
		rng:    rand.New(rand.NewPCG(uint64(seed), uint64(seed))),
		config: config,
		trace:  newChaosTrace(config.TraceCapacity),
	}
}

// SetMode updates [Chaos] behavior. Safe to call concurrently with
// filesystem operations.
func (c *Chaos) SetMode(m ChaosMode) { c.mode.Store(uint32(m)) }

// Trace returns a formatted string of recent FS operations.
// Returns an empty string if tracing is disabled (TraceCapacity == 0).
func (c *Chaos) Trace() string {
	return c.trace.String()
}

// TraceEvents returns a snapshot of the trace buffer.
// Returns nil if tracing is disabled (TraceCapacity == 0).
func (c *Chaos) TraceEvents() []TraceEvent {
	return c.trace.snapshot()
}

// Stats returns the current fault injection counts.
func (c *Chaos) Stats() ChaosStats {
	return ChaosStats{
		OpenFails:       c.openFails.Load(),
		ReadFails:       c.readFails.Load(),
		WriteFails:      c.writeFails.Load(),
		ReadDirFails:    c.readDirFails.Load(),
		PartialReads:    c.partialReads.Load(),
		CorruptReads:    c.corruptReads.Load(),
		PartialReadDirs: c.partialReadDirs.Load(),
		StatFails:       c.statFails.Load(),
		MkdirAllFails:   c.mkdirAllFails.Load(),
		FileStatFails:   c.fileStatFails.Load(),
		CloseFails:      c.closeFails.Load(),
	}
}

// TotalFaults returns the total number of injected faults.
func (c *Chaos) TotalFaults() int64 {
	s := c.Stats()

	return s.OpenFails + s.ReadFails + s.WriteFails + s.ReadDirFails + s.PartialReads +
		s.CorruptReads + s.PartialReadDirs + s.StatFails + s.MkdirAllFails +
		s.FileStatFails + s.CloseFails
}

// Open opens a file for reading with fault injection.
func (c *Chaos) Open(path string) (File, error) {
	mode := c.getMode()

	if c.should(mode, c.config.OpenFailRate) {
		errno := c.pickRandom([]syscall.Errno{
			syscall.EACCES,
			syscall.EIO,
			syscall.EMFILE,
			syscall.ENFILE,
			syscall.ENOTDIR,
		})
		c.openFails.Add(1)

		err := pathError("open", path, errno)

		c.trace.add("open", path, "fail", err, true, TraceAttr{"errno", errno.Error()})

		return nil, err
	}

	file, err := c.fs.Open(path)
	if err != nil {
		c.trace.add("open", path, "fail", err, false)

		return nil, err
	}

	c.trace.add("open", path, "ok", nil, false)

	return &chaosFile{f: file, chaos: c, path: path}, nil
}

// ReadFile reads a file's contents with fault injection.
func (c *Chaos) ReadFile(path string) ([]byte, error) {
	mode := c.getMode()

	if c.should(mode, c.config.ReadFailRate) {
		op, errno := c.pickReadFileError()
		c.readFails.Add(1)

		err := pathError(op, path, errno)

		c.trace.add("readfile", path, "fail", err, true, TraceAttr{"errno", errno.Error()})

		return nil, err
	}

	data, err := c.fs.ReadFile(path)
	if err != nil {
		c.trace.add("readfile", path, "fail", err, false)

		return nil, err
	}

	// Prefix plus error, like os.ReadFile after a later read fails.
	if c.should(mode, c.config.PartialReadRate) && len(data) > 1 {
		c.partialReads.Add(1)
		cutoff := c.randIntn(len(data)-1) + 1
		err := pathError("read", path, syscall.EIO)

		c.trace.add("readfile", path, "partial_read", err, true,
			TraceAttr{"cutoff", strconv.Itoa(cutoff)},
			TraceAttr{"total", strconv.Itoa(len(data))})

		return data[:cutoff], err
	}

	c.trace.add("readfile", path, "ok", nil, false, TraceAttr{"n", strconv.Itoa(len(data))})

	return data, nil
}

// WriteFileAtomic writes a file atomically with fault injection. An injected
// failure happens before anything reaches the underlying filesystem.
func (c *Chaos) WriteFileAtomic(path string, r io.Reader) error {
	mode := c.getMode()

	if c.should(mode, c.config.WriteFailRate) {
		errno := c.pickRandom([]syscall.Errno{syscall.EIO, syscall.ENOSPC, syscall.EDQUOT, syscall.EROFS})
		c.writeFails.Add(1)

		err := pathError("write", path, errno)

		c.trace.add("writeatomic", path, "fail", err, true, TraceAttr{"errno", errno.Error()})

		return err
	}

	err := c.fs.WriteFileAtomic(path, r)

	c.trace.add("writeatomic", path, boolKind(err == nil), err, false)

	return err
}

// ReadDir reads a directory with fault injection.
func (c *Chaos) ReadDir(path string) ([]os.DirEntry, error) {
	mode := c.getMode()

	if c.should(mode, c.config.ReadDirFailRate) {
		errno := c.pickRandom([]syscall.Errno{
			syscall.EACCES,
			syscall.EIO,
			syscall.ENOTDIR,
			syscall.EMFILE,
			syscall.ENFILE,
		})
		c.readDirFails.Add(1)

		err := pathError("readdir", path, errno)

		c.trace.add("readdir", path, "fail", err, true, TraceAttr{"errno", errno.Error()})

		return nil, err
	}

	entries, err := c.fs.ReadDir(path)
	if err != nil {
		c.trace.add("readdir", path, "fail", err, false)

		return nil, err
	}

	if c.should(mode, c.config.ReadDirPartialRate) && len(entries) > 1 {
		c.partialReadDirs.Add(1)
		cutoff := c.randIntn(len(entries)-1) + 1
		err := pathError("readdir", path, syscall.EIO)

		c.trace.add("readdir", path, "partial_readdir", err, true,
			TraceAttr{"cutoff", strconv.Itoa(cutoff)},
			TraceAttr{"total", strconv.Itoa(len(entries))})

		return entries[:cutoff], err
	}

	c.trace.add("readdir", path, "ok", nil, false, TraceAttr{"n", strconv.Itoa(len(entries))})

	return entries, nil
}

// MkdirAll creates a directory path with fault injection.
func (c *Chaos) MkdirAll(path string, perm os.FileMode) error {
	if err := c.introduceChaos(path, faultMkdirAll); err != nil {
		return err
	}

	err := c.fs.MkdirAll(path, perm)

	c.trace.add("mkdirall", path, boolKind(err == nil), err, false,
		TraceAttr{"perm", fmt.Sprintf("%#o", perm)})

	return err
}

// Stat returns file info with fault injection.
func (c *Chaos) Stat(path string) (os.FileInfo, error) {
	if err := c.introduceChaos(path, faultStat); err != nil {
		return nil, err
	}

	info, err := c.fs.Stat(path)

	c.trace.add("stat", path, boolKind(err == nil), err, false)

	return info, err
}

// Exists checks if a path exists with fault injection.
func (c *Chaos) Exists(path string) (bool, error) {
	if err := c.introduceChaos(path, faultStat); err != nil {
		return false, err
	}

	ok, err := c.fs.Exists(path)

	c.trace.add("exists", path, boolKind(err == nil), err, false,
		TraceAttr{"exists", strconv.FormatBool(ok)})

	return ok, err
}

func (c *Chaos) getMode() ChaosMode {
	v := c.mode.Load()
	if v > uint32(ChaosModeNoOp) {
		return ChaosModeActive
	}

	return ChaosMode(v)
}

// faultKind identifies a path-level fault. The string value is used as the
// operation name in error messages.
type faultKind string

const (
	faultStat     faultKind = "stat"
	faultMkdirAll faultKind = "mkdirall"
)

// introduceChaos returns a non-nil injected error when a path-level fault
// fires for kind, nil otherwise.
func (c *Chaos) introduceChaos(path string, kind faultKind) error {
	mode := c.getMode()
	if mode != ChaosModeActive {
		return nil
	}

	var (
		rate    float64
		counter *atomic.Int64
		errnos  []syscall.Errno
	)

	switch kind {
	case faultStat:
		rate = c.config.StatFailRate
		counter = &c.statFails
		errnos = []syscall.Errno{syscall.EACCES, syscall.EIO}

	case faultMkdirAll:
		rate = c.config.MkdirAllFailRate
		counter = &c.mkdirAllFails
		errnos = []syscall.Errno{syscall.EACCES, syscall.EIO, syscall.ENOSPC, syscall.EDQUOT, syscall.EROFS, syscall.ENOTDIR}

	default:
		panic("unknown fault kind: " + string(kind))
	}

	if c.should(mode, rate) {
		counter.Add(1)

		errno := c.pickRandom(errnos)
		err := pathError(string(kind), path, errno)

		c.trace.add(string(kind), path, "fail", err, true, TraceAttr{"errno", errno.Error()})

		return err
	}

	return nil
}

// should returns true with the given probability when chaos is injecting.
func (c *Chaos) should(mode ChaosMode, rate float64) bool {
	if mode != ChaosModeActive {
		return false
	}

	return c.randFloat() < rate
}

// randFloat returns a random float64 in [0.0, 1.0) (thread-safe).
func (c *Chaos) randFloat() float64 {
	c.rngMu.Lock()
	result := c.rng.Float64()
	c.rngMu.Unlock()

	return result
}

// randIntn returns a random int in [0, n) (thread-safe).
func (c *Chaos) randIntn(n int) int {
	c.rngMu.Lock()
	result := c.rng.IntN(n)
	c.rngMu.Unlock()

	return result
}

// pathError creates an injected [*fs.PathError] wrapped in [chaosError].
func pathError(op, path string, errno syscall.Errno) error {
	pe := &fs.PathError{Op: op, Path: path, Err: errno}

	return &chaosError{Err: pe}
}

func (c *Chaos) pickRandom(errs []syscall.Errno) syscall.Errno {
	return errs[c.randIntn(len(errs))]
}

// pickReadFileError returns an injected error consistent with os.ReadFile:
// the failure can be either an open-time error or a later read-time error.
func (c *Chaos) pickReadFileError() (string, syscall.Errno) {
	if c.randFloat() < 0.5 {
		return "open", c.pickRandom([]syscall.Errno{
			syscall.EACCES,
			syscall.EMFILE,
			syscall.ENFILE,
			syscall.ENOTDIR,
		})
	}

	return "read", syscall.EIO
}

// chaosFile wraps a [File] and injects faults on reads.
type chaosFile struct {
	f     File
	chaos *Chaos
	path  string
}

var _ File = (*chaosFile)(nil)

func (cf *chaosFile) Read(buf []byte) (int, error) {
	mode := cf.chaos.getMode()

	if cf.chaos.should(mode, cf.chaos.config.ReadFailRate) {
		cf.chaos.readFails.Add(1)
		err := pathError("read", cf.path, syscall.EIO)

		cf.chaos.trace.add("file.read", cf.path, "fail", err, true)

		return 0, err
	}

	// Limit the underlying read rather than shrinking the returned count,
	// otherwise the file offset advances past bytes the caller never saw.
	if cf.chaos.should(mode, cf.chaos.config.PartialReadRate) && len(buf) > 1 {
		cf.chaos.partialReads.Add(1)
		cutoff := cf.chaos.randIntn(len(buf)-1) + 1

		n, err := cf.f.Read(buf[:cutoff])

		cf.chaos.trace.add("file.read", cf.path, "short_read", err, true,
			TraceAttr{"n", strconv.Itoa(n)},
			TraceAttr{"requested", strconv.Itoa(len(buf))})

		return n, err
	}

	n, err := cf.f.Read(buf)

	cf.chaos.trace.add("file.read", cf.path, boolKind(err == nil), err, false,
		TraceAttr{"n", strconv.Itoa(n)})

	return n, err
}

func (cf *chaosFile) ReadAt(buf []byte, off int64) (int, error) {
	mode := cf.chaos.getMode()
	offAttr := TraceAttr{"off", strconv.FormatInt(off, 10)}

	if cf.chaos.should(mode, cf.chaos.config.ReadFailRate) {
		cf.chaos.readFails.Add(1)
		err := pathError("read", cf.path, syscall.EIO)

		cf.chaos.trace.add("file.readat", cf.path, "fail", err, true, offAttr)

		return 0, err
	}

	if cf.chaos.should(mode, cf.chaos.config.PartialReadRate) && len(buf) > 1 {
		cf.chaos.partialReads.Add(1)
		cutoff := cf.chaos.randIntn(len(buf)-1) + 1

		n, err := cf.f.ReadAt(buf[:cutoff], off)
		if err == nil {
			err = pathError("read", cf.path, syscall.EIO)
		}

		cf.chaos.trace.add("file.readat", cf.path, "short_read", err, true, offAttr,
			TraceAttr{"n", strconv.Itoa(n)},
			TraceAttr{"requested", strconv.Itoa(len(buf))})

		return n, err
	}

	n, err := cf.f.ReadAt(buf, off)
	if err == nil && n > 0 && cf.chaos.should(mode, cf.chaos.config.CorruptReadRate) {
		cf.chaos.corruptReads.Add(1)
		pos := cf.chaos.randIntn(n)
		buf[pos] ^= 0xFF

		cf.chaos.trace.add("file.readat", cf.path, "corrupt", nil, true, offAttr,
			TraceAttr{"pos", strconv.Itoa(pos)})

		return n, nil
	}

	cf.chaos.trace.add("file.readat", cf.path, boolKind(err == nil), err, false, offAttr,
		TraceAttr{"n", strconv.Itoa(n)})

	return n, err
}

func (cf *chaosFile) Close() error {
	err := cf.f.Close()
	if err != nil {
		cf.chaos.trace.add("file.close", cf.path, "fail", err, false)

		return err
	}

	if cf.chaos.should(cf.chaos.getMode(), cf.chaos.config.CloseFailRate) {
		cf.chaos.closeFails.Add(1)
		err := pathError("close", cf.path, syscall.EIO)

		cf.chaos.trace.add("file.close", cf.path, "fail", err, true)

		return err
	}

	cf.chaos.trace.add("file.close", cf.path, "ok", nil, false)

	return nil
}

func (cf *chaosFile) Stat() (os.FileInfo, error) {
	if cf.chaos.should(cf.chaos.getMode(), cf.chaos.config.FileStatFailRate) {
		cf.chaos.fileStatFails.Add(1)
		err := pathError("stat", cf.path, syscall.EIO)

		cf.chaos.trace.add("file.stat", cf.path, "fail", err, true)

		return nil, err
	}

	info, err := cf.f.Stat()

	cf.chaos.trace.add("file.stat", cf.path, boolKind(err == nil), err, false)

	return info, err
}

var _ FS = (*Chaos)(nil)

// TraceEvent records a single Chaos operation with injection details.
//
// Unlike external tracing (which can only observe errors), TraceEvent captures
// operations that Chaos altered but returned successfully, such as short reads
// or corrupted bytes.
type TraceEvent struct {
	// Seq is the monotonically increasing sequence number.
	Seq uint64
	// Op is the operation name (e.g., "open", "file.readat").
	Op string
	// Path is the filesystem path involved.
	Path string
	// Err is the error returned by the operation (nil for success).
	Err error
	// Injected is true if Chaos modified the operation's behavior.
	Injected bool
	// Kind is a short label for what happened: "ok", "fail", "short_read",
	// "corrupt", "partial_readdir", etc.
	Kind string
	// Attrs contains additional key-value details (e.g., "off=65536").
	Attrs []TraceAttr
}

// TraceAttr is a key-value pair for trace event context.
type TraceAttr struct {
	Key   string
	Value string
}

func (e TraceEvent) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "#%d", e.Seq)

	if e.Injected {
		fmt.Fprintf(&sb, " [CHAOS:%s]", e.Kind)
	}

	fmt.Fprintf(&sb, " %s", e.Op)

	if e.Path != "" {
		fmt.Fprintf(&sb, " path=%q", e.Path)
	}

	for _, a := range e.Attrs {
		fmt.Fprintf(&sb, " %s=%s", a.Key, a.Value)
	}

	if !e.Injected {
		sb.WriteString(" ")
		sb.WriteString(e.Kind)
	}

	if e.Err != nil {
		fmt.Fprintf(&sb, " err=%v", e.Err)
	}

	return sb.String()
}

// chaosTrace is a bounded circular buffer of [TraceEvent].
type chaosTrace struct {
	mu       sync.Mutex
	capacity int
	events   []TraceEvent
	next     int
	full     bool
	seq      uint64
}

func newChaosTrace(capacity int) *chaosTrace {
	if capacity <= 0 {
		return nil
	}

	return &chaosTrace{
		capacity: capacity,
		events:   make([]TraceEvent, 0, capacity),
	}
}

func (t *chaosTrace) String() string {
	events := t.snapshot()
	if len(events) == 0 {
		return ""
	}

	var sb strings.Builder

	for i, e := range events {
		if i > 0 {
			sb.WriteByte('\n')
		}

		sb.WriteString(e.String())
	}

	return sb.String()
}

func (t *chaosTrace) add(op, path, kind string, err error, injected bool, attrs ...TraceAttr) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++

	event := TraceEvent{
		Seq:      t.seq,
		Op:       op,
		Path:     path,
		Err:      err,
		Injected: injected,
		Kind:     kind,
		Attrs:    attrs,
	}

	if len(t.events) < t.capacity {
		t.events = append(t.events, event)

		return
	}

	t.events[t.next] = event
	t.next = (t.next + 1) % t.capacity
	t.full = true
}

func (t *chaosTrace) snapshot() []TraceEvent {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		return append([]TraceEvent(nil), t.events...)
	}

	out := make([]TraceEvent, 0, len(t.events))
	out = append(out, t.events[t.next:]...)
	out = append(out, t.events[:t.next]...)

	return out
}

func boolKind(ok bool) string {
	if ok {
		return "ok"
	}

	return "fail"
}
