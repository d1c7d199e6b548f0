// Package coordinator implements BURST's Coordinator (spec §4.6, §5):
// it fetches the archive tail, parses the central directory (simple or
// hybrid path), and dispatches part fetches across a bounded worker
// pool, feeding each part's bytes to a [part.Processor].
//
// The concurrency shape — a semaphore-bounded worker pool, a mutex-
// guarded first-error latch, and cooperative context cancellation — is
// grounded on warpdl/warpdl's pkg/warplib part downloader
// (Part.download's range-header construction and first-error semantics)
// and on the overlap-fetch-while-processing shape of
// rescale-labs/Rescale_Interlink's cloud transfer downloader.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/mbaynton/burst/internal/archive"
	"github.com/mbaynton/burst/internal/errkind"
	"github.com/mbaynton/burst/internal/logging"
	"github.com/mbaynton/burst/internal/part"
	"github.com/mbaynton/burst/internal/sink"
)

// DefaultTailSize is the suffix range fetched first, per spec §4.6 step 1.
const DefaultTailSize = 8 * 1024 * 1024

// ContentRange is the parsed form of an HTTP `Content-Range` response
// header: bytes Start-End/Total.
type ContentRange struct {
	Start, End, Total int64
}

// RangeSource is BURST's transport abstraction (spec §6): given a byte
// range it returns a reader over the response body, in order, plus the
// parsed Content-Range. A suffix fetch (last N bytes) is a separate
// method since it doesn't know Start up front.
type RangeSource interface {
	FetchRange(ctx context.Context, start, end int64) (io.ReadCloser, ContentRange, error)
	FetchSuffix(ctx context.Context, n int64) (io.ReadCloser, ContentRange, error)
}

// Metrics holds the coordinator's live counters, read by the dashboard.
// The counters are guarded by mu and updated through the methods below;
// read them through [Metrics.Snapshot] while extraction is in progress.
// PartsTotal is assigned directly by Extract before any part is
// dispatched.
type Metrics struct {
	mu sync.Mutex

	PartsTotal      int
	PartsDispatched int
	PartsCompleted  int
	PartsFailed     int
	BytesFetched    int64
	Phase           string
	LastError       string
}

func (m *Metrics) setPhase(phase string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Phase = phase
}

func (m *Metrics) addDispatched(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PartsDispatched += n
}

func (m *Metrics) addCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PartsCompleted++
}

func (m *Metrics) addFailed(errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PartsFailed++
	m.LastError = errMsg
}

func (m *Metrics) addBytesFetched(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BytesFetched += n
}

// Snapshot returns a copy of the current metrics, safe to read without
// further locking.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Metrics{
		PartsTotal:      m.PartsTotal,
		PartsDispatched: m.PartsDispatched,
		PartsCompleted:  m.PartsCompleted,
		PartsFailed:     m.PartsFailed,
		BytesFetched:    m.BytesFetched,
		Phase:           m.Phase,
		LastError:       m.LastError,
	}
}

// Coordinator orchestrates extraction of one archive (spec §4.6).
type Coordinator struct {
	Source        RangeSource
	PartSize      int64
	MaxConcurrent int
	OutputDir     string
	Log           *logging.RingBuffer

	// TailSize is the suffix fetch size used to locate the central
	// directory (spec §4.6 step 1). Defaults to [DefaultTailSize] when
	// zero; exposed for tests that need to force the hybrid path against
	// a small synthetic archive.
	TailSize int64

	Metrics Metrics

	rangeCache *ttlcache.Cache[string, []byte]
}

// New returns a ready-to-run [Coordinator]. log may be nil.
func New(source RangeSource, partSize int64, maxConcurrent int, outputDir string, log *logging.RingBuffer) *Coordinator {
	cache := ttlcache.New[string, []byte](
		ttlcache.WithTTL[string, []byte](2*time.Minute),
		ttlcache.WithCapacity[string, []byte](64),
	)
	go cache.Start()

	return &Coordinator{
		Source:        source,
		PartSize:      partSize,
		MaxConcurrent: maxConcurrent,
		OutputDir:     outputDir,
		Log:           log,
		rangeCache:    cache,
	}
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.Log == nil {
		return
	}

	c.Log.Printf(format, args...)
}

// Extract runs the full extraction: tail fetch, central directory parse
// (simple or hybrid path), and bounded-concurrency part dispatch.
func (c *Coordinator) Extract(ctx context.Context) error {
	c.Metrics.setPhase("fetching tail")

	tailSize := c.TailSize
	if tailSize <= 0 {
		tailSize = DefaultTailSize
	}

	body, cr, err := c.Source.FetchSuffix(ctx, tailSize)
	if err != nil {
		return fmt.Errorf("fetching archive tail: %w", err)
	}

	tailBuf, err := readAll(body)
	if err != nil {
		return fmt.Errorf("reading archive tail: %w", err)
	}
	c.Metrics.addBytesFetched(int64(len(tailBuf)))

	archiveSize := cr.Total
	if archiveSize == 0 {
		archiveSize = int64(len(tailBuf))
	}

	parser := &archive.Parser{PartSize: c.PartSize}

	c.Metrics.setPhase("parsing central directory")

	dir, err := parser.ParseFull(tailBuf, archiveSize)
	if err == nil {
		c.logf("central directory fit in tail buffer (simple path), %d files, %d parts", len(dir.Files), dir.PartCount())
		c.Metrics.PartsTotal = dir.PartCount()

		return c.runSimplePath(ctx, dir, tailBuf, archiveSize)
	}

	partial, perr := parser.ParsePartial(tailBuf, archiveSize)
	if perr != nil {
		return perr
	}

	c.logf("central directory exceeds tail buffer (hybrid path): recovered %d files, safe_first_part=%d",
		len(partial.Directory.Files), partial.SafeFirstPart)
	c.Metrics.PartsTotal = partial.Directory.PartCount()

	return c.runHybridPath(ctx, partial, tailBuf, archiveSize)
}

func (c *Coordinator) runSimplePath(ctx context.Context, dir *archive.Directory, tailBuf []byte, archiveSize int64) error {
	c.Metrics.setPhase("extracting parts")

	tailStart := archiveSize - int64(len(tailBuf))
	local := c.localReader(tailBuf, tailStart, archiveSize)

	sched, ctx := newScheduler(ctx, c.MaxConcurrent)
	for i := 0; i < dir.PartCount(); i++ {
		i := i
		sched.dispatch(ctx, func() error { return c.processPart(ctx, dir, i, local) })
	}

	err := sched.wait()
	if err != nil {
		c.Metrics.setPhase("failed")
	} else {
		c.Metrics.setPhase("done")
	}

	return err
}

// runHybridPath dispatches early parts (spec §4.6's "safe first part"
// onward) against the partial directory immediately, while concurrently
// fetching the rest of the central directory and, once it's fully
// assembled, dispatching the remaining parts under the same scheduler.
func (c *Coordinator) runHybridPath(ctx context.Context, partial *archive.PartialResult, tailBuf []byte, archiveSize int64) error {
	c.Metrics.setPhase("extracting parts (hybrid)")

	tailStart := archiveSize - int64(len(tailBuf))
	earlyLocal := c.localReader(tailBuf, tailStart, archiveSize)

	sched, ctx := newScheduler(ctx, c.MaxConcurrent)

	for i := partial.SafeFirstPart; i < partial.Directory.PartCount(); i++ {
		i := i
		sched.dispatch(ctx, func() error { return c.processPart(ctx, partial.Directory, i, earlyLocal) })
	}

	sched.wg.Add(1)
	go func() {
		defer sched.wg.Done()

		fetchStart := (partial.Directory.CentralDirOffset / c.PartSize) * c.PartSize
		if fetchStart < 0 {
			fetchStart = 0
		}

		extraBuf, err := c.fetchAllCached(ctx, fetchStart, tailStart-1)
		if err != nil {
			sched.fail(err)

			return
		}

		combined := make([]byte, 0, len(extraBuf)+len(tailBuf))
		combined = append(combined, extraBuf...)
		combined = append(combined, tailBuf...)

		fullDir, err := (&archive.Parser{PartSize: c.PartSize}).ParseFull(combined, archiveSize)
		if err != nil {
			sched.fail(err)

			return
		}

		c.logf("hybrid path: full central directory assembled, %d files", len(fullDir.Files))

		fullLocal := c.localReader(combined, fetchStart, archiveSize)

		for i := 0; i < partial.SafeFirstPart; i++ {
			i := i
			sched.dispatch(ctx, func() error { return c.processPart(ctx, fullDir, i, fullLocal) })
		}
	}()

	err := sched.wait()
	if err != nil {
		c.Metrics.setPhase("failed")
	} else {
		c.Metrics.setPhase("done")
	}

	return err
}

// localReader returns a function reporting whether part partIndex's
// bytes are wholly contained in buf (which begins at archive offset
// bufStart), and if so, the slice of buf covering it.
func (c *Coordinator) localReader(buf []byte, bufStart int64, archiveSize int64) func(partIndex int) ([]byte, bool) {
	return func(partIndex int) ([]byte, bool) {
		start := int64(partIndex) * c.PartSize
		end := start + c.PartSize
		if end > archiveSize {
			end = archiveSize
		}

		if start >= bufStart && end <= bufStart+int64(len(buf)) {
			return buf[start-bufStart : end-bufStart], true
		}

		return nil, false
	}
}

// processPart runs exactly one part to completion: either from an
// already-available buffer, or by range-fetching its bytes.
func (c *Coordinator) processPart(ctx context.Context, dir *archive.Directory, partIndex int, local func(int) ([]byte, bool)) error {
	c.Metrics.addDispatched(1)

	s, err := sink.New()
	if err != nil {
		return errkind.Wrap(errkind.KindIO, err, "initializing write sink")
	}
	defer s.Close()

	proc := part.NewProcessor(dir, partIndex, c.OutputDir, s)

	if data, ok := local(partIndex); ok {
		if err := proc.ProcessData(data); err != nil {
			c.Metrics.addFailed(err.Error())

			return err
		}

		if err := proc.Finalize(); err != nil {
			c.Metrics.addFailed(err.Error())

			return err
		}

		c.Metrics.addCompleted()

		return nil
	}

	start := int64(partIndex) * c.PartSize
	end := start + c.PartSize - 1
	if end >= dir.ArchiveSize {
		end = dir.ArchiveSize - 1
	}

	body, _, err := c.Source.FetchRange(ctx, start, end)
	if err != nil {
		c.Metrics.addFailed(err.Error())

		return err
	}
	defer body.Close()

	buf := make([]byte, 256*1024)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			c.Metrics.addBytesFetched(int64(n))

			if err := proc.ProcessData(buf[:n]); err != nil {
				c.Metrics.addFailed(err.Error())

				return err
			}
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			werr := errkind.Wrap(errkind.KindNetwork, rerr, "reading part range response")
			c.Metrics.addFailed(werr.Error())

			return werr
		}
	}

	if err := proc.Finalize(); err != nil {
		c.Metrics.addFailed(err.Error())

		return err
	}

	c.Metrics.addCompleted()

	return nil
}

// fetchAllCached fetches [start, end] inclusive, reusing the cached
// bytes if this Coordinator already fetched exactly that range within
// the cache's TTL (for example, in an earlier Extract call). A failed
// fetch is not retried.
func (c *Coordinator) fetchAllCached(ctx context.Context, start, end int64) ([]byte, error) {
	key := fmt.Sprintf("%d-%d", start, end)
	if item := c.rangeCache.Get(key); item != nil {
		return item.Value(), nil
	}

	body, _, err := c.Source.FetchRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	buf, err := readAll(body)
	if err != nil {
		return nil, err
	}
	c.Metrics.addBytesFetched(int64(len(buf)))

	c.rangeCache.Set(key, buf, ttlcache.DefaultTTL)

	return buf, nil
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
