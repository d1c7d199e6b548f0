// Package dashboard implements BURST's extraction progress dashboard:
// a small HTTP server exposing the coordinator's live [coordinator.Metrics]
// as both an HTML page and a JSON endpoint. It is purely observational —
// spec §9 calls this out as an additive, non-blocking concern, so
// [Dashboard.Serve] never fails extraction if it cannot bind its port.
//
// Adapted from the teacher's `internal/webserver` diagnostics dashboard:
// same [mux.Router] shape, same [humanize] formatting, same ring-buffer
// log tail, re-pointed at coordinator progress instead of filesystem
// cache metrics.
package dashboard

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"slices"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"github.com/mbaynton/burst/internal/coordinator"
	"github.com/mbaynton/burst/internal/logging"
)

var (
	//go:embed templates/*.html
	templateFS    embed.FS
	indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

	errInvalidArgument = errors.New("invalid argument")
)

// Dashboard serves BURST's extraction progress page.
type Dashboard struct {
	version   string
	coord     *coordinator.Coordinator
	rbuf      *logging.RingBuffer
	startedAt time.Time
}

// New returns a pointer to a new [Dashboard] reporting coord's progress.
func New(coord *coordinator.Coordinator, rbuf *logging.RingBuffer, version string) (*Dashboard, error) {
	if coord == nil {
		return nil, fmt.Errorf("%w: need coordinator", errInvalidArgument)
	}
	if rbuf == nil {
		return nil, fmt.Errorf("%w: need ring buffer", errInvalidArgument)
	}

	return &Dashboard{
		version:   version,
		coord:     coord,
		rbuf:      rbuf,
		startedAt: startTime(),
	}, nil
}

// startTime exists so tests can't observe a zero time.Time; kept as its
// own function rather than inlined time.Now() to keep the one non-
// deterministic call isolated.
func startTime() time.Time {
	return time.Now()
}

// Serve serves the dashboard as part of an [http.Server]. A bind failure
// is logged, not fatal: the dashboard is an observability extra, per
// spec's "additive and non-blocking" progress-endpoint note.
func (d *Dashboard) Serve(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: d.dashboardMux()}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "(dashboard) PANIC: %v\n", r)
				debug.PrintStack()
			}
		}()
		d.rbuf.Printf("serving dashboard on %s\n", addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.rbuf.Printf("dashboard HTTP error: %v\n", err)
		}
	}()

	return srv
}

func (d *Dashboard) dashboardMux() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", d.dashboardHandler)
	r.HandleFunc("/metrics.json", d.metricsHandler)
	r.HandleFunc("/gc", d.gcHandler)

	return r
}

type dashboardData struct {
	Version         string   `json:"version"`
	Phase           string   `json:"phase"`
	PartsTotal      int      `json:"partsTotal"`
	PartsDispatched int      `json:"partsDispatched"`
	PartsCompleted  int      `json:"partsCompleted"`
	PartsFailed     int      `json:"partsFailed"`
	BytesFetched    string   `json:"bytesFetched"`
	AllocBytes      string   `json:"allocBytes"`
	Uptime          string   `json:"uptime"`
	LastError       string   `json:"lastError,omitempty"`
	Logs            []string `json:"logs"`
}

func (d *Dashboard) collect() dashboardData {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	snap := d.coord.Metrics.Snapshot()

	lines := d.rbuf.Lines()
	slices.Reverse(lines)

	return dashboardData{
		Version:         d.version,
		Phase:           snap.Phase,
		PartsTotal:      snap.PartsTotal,
		PartsDispatched: snap.PartsDispatched,
		PartsCompleted:  snap.PartsCompleted,
		PartsFailed:     snap.PartsFailed,
		BytesFetched:    humanize.IBytes(uint64(snap.BytesFetched)),
		AllocBytes:      humanize.IBytes(m.Alloc),
		Uptime:          humanize.Time(d.startedAt),
		LastError:       snap.LastError,
		Logs:            lines,
	}
}

func (d *Dashboard) dashboardHandler(w http.ResponseWriter, _ *http.Request) {
	data := d.collect()

	if err := indexTemplate.Execute(w, data); err != nil {
		d.rbuf.Printf("dashboard template execution error: %v\n", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *Dashboard) metricsHandler(w http.ResponseWriter, _ *http.Request) {
	data := d.collect()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *Dashboard) gcHandler(w http.ResponseWriter, _ *http.Request) {
	runtime.GC()
	debug.FreeOSMemory()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	d.rbuf.Printf("GC forced via API, current heap: %s.\n", humanize.IBytes(m.Alloc))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "GC forced, current heap: %s.\n", humanize.IBytes(m.Alloc))
}
