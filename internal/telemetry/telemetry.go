package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Telemetry counts the engine's interactions with stores and the LLM. A nil
// Telemetry is a no-op so tests and tools can run without a registry.
type Telemetry struct {
	searches        *prometheus.CounterVec
	searchDuration  *prometheus.HistogramVec
	selections      *prometheus.CounterVec
	chatTurns       prometheus.Counter
	chatToolCalls   *prometheus.CounterVec
	chatIterations  prometheus.Histogram
	planningRuns    *prometheus.CounterVec
	basketsBuilt    *prometheus.CounterVec
	checkoutResults *prometheus.CounterVec
}

// New registers the engine metrics on reg.
func New(reg prometheus.Registerer) *Telemetry {
	factory := promauto.With(reg)
	return &Telemetry{
		searches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karzina_store_searches_total",
			Help: "Store search calls by store and outcome.",
		}, []string{"store", "outcome"}),
		searchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "karzina_store_search_duration_seconds",
			Help:    "Store search latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"store"}),
		selections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karzina_product_selections_total",
			Help: "Matcher decisions by store and outcome.",
		}, []string{"store", "outcome"}),
		chatTurns: factory.NewCounter(prometheus.CounterOpts{
			Name: "karzina_chat_turns_total",
			Help: "User chat turns processed.",
		}),
		chatToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karzina_chat_tool_calls_total",
			Help: "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		chatIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "karzina_chat_loop_iterations",
			Help:    "Provider round-trips used per chat turn.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),
		planningRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karzina_planning_runs_total",
			Help: "Basket-building runs by outcome.",
		}, []string{"outcome"}),
		basketsBuilt: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karzina_baskets_built_total",
			Help: "Baskets assembled per store.",
		}, []string{"store"}),
		checkoutResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karzina_checkouts_total",
			Help: "Checkout attempts by store and outcome.",
		}, []string{"store", "outcome"}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (t *Telemetry) ObserveSearch(store string, d time.Duration, err error) {
	if t == nil {
		return
	}
	t.searches.WithLabelValues(store, outcome(err)).Inc()
	t.searchDuration.WithLabelValues(store).Observe(d.Seconds())
}

func (t *Telemetry) ObserveSelection(store string, success bool) {
	if t == nil {
		return
	}
	o := "rejected"
	if success {
		o = "selected"
	}
	t.selections.WithLabelValues(store, o).Inc()
}

func (t *Telemetry) ObserveChatTurn(iterations int) {
	if t == nil {
		return
	}
	t.chatTurns.Inc()
	t.chatIterations.Observe(float64(iterations))
}

func (t *Telemetry) ObserveToolCall(tool string, err error) {
	if t == nil {
		return
	}
	t.chatToolCalls.WithLabelValues(tool, outcome(err)).Inc()
}

func (t *Telemetry) ObservePlanningRun(err error) {
	if t == nil {
		return
	}
	t.planningRuns.WithLabelValues(outcome(err)).Inc()
}

func (t *Telemetry) ObserveBasket(store string) {
	if t == nil {
		return
	}
	t.basketsBuilt.WithLabelValues(store).Inc()
}

func (t *Telemetry) ObserveCheckout(store string, err error) {
	if t == nil {
		return
	}
	t.checkoutResults.WithLabelValues(store, outcome(err)).Inc()
}
