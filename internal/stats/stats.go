package stats

import (
	"expvar"
	"fmt"
	"net/http"
	"time"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

// StatsUpdater keeps the broker's counters (connections, rooms, published
// and dropped messages) in an expvar map and serves them on /debug/vars.
// Deltas are applied by a single goroutine so callers never block on a lock.
type StatsUpdater struct {
	vars   *expvar.Map
	deltas chan counterDelta
}

type counterDelta struct {
	name  string
	delta int64
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	// an expvar.Map renders itself as a JSON object
	fmt.Fprintln(w, su.vars.String())
}

// NewStatsUpdater creates a new stats updater instance.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		deltas: make(chan counterDelta, 512),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	su.vars = expvar.NewMap("eventchat-stats")
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

func (su *StatsUpdater) applyDeltas() {
	for d := range su.deltas {
		counter := su.vars.Get(d.name)
		if counter == nil {
			panic("metric not found: " + d.name)
		}

		counter.(*expvar.Int).Add(d.delta)
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.deltas <- counterDelta{name: name, delta: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.deltas <- counterDelta{name: name, delta: -1}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, expvar.NewInt(name))
}

func (su *StatsUpdater) Run() {
	go su.applyDeltas()
}

func (su *StatsUpdater) Stop() {
	close(su.deltas)
}
