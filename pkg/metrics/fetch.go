package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FetchMetrics are the measurements of the fetch service, labelled by API
// consumer key and screen name.
type FetchMetrics struct {
	Requests        *prometheus.CounterVec
	RequestErrors   *prometheus.CounterVec
	RequestSuccess  *prometheus.CounterVec
	TweetsFetched   *prometheus.CounterVec
	FetchingSeconds *prometheus.GaugeVec
}

// NewFetchMetrics creates the fetch metrics and registers them with reg.
func NewFetchMetrics(reg prometheus.Registerer) (*FetchMetrics, error) {
	labels := []string{"consumer_key", "screen_name"}
	m := &FetchMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twitterapi_request_count",
			Help: "Number of requests made to Twitter API",
		}, labels),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twitterapi_request_error_count",
			Help: "Number of failed requests to Twitter API",
		}, labels),
		RequestSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twitterapi_request_success_count",
			Help: "Number of successful requests to Twitter API",
		}, labels),
		TweetsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tweetprocess_tweets_fetched",
			Help: "Number of tweets fetched",
		}, labels),
		FetchingSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tweetprocess_tweets_fetching",
			Help: "Duration of a complete tweets fetching in seconds",
		}, labels),
	}
	for _, c := range []prometheus.Collector{m.Requests, m.RequestErrors, m.RequestSuccess, m.TweetsFetched, m.FetchingSeconds} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// FetchRecorder binds the fetch metrics to one consumer key and screen name.
type FetchRecorder struct {
	requests  prometheus.Counter
	errors    prometheus.Counter
	successes prometheus.Counter
	fetched   prometheus.Counter
	duration  prometheus.Gauge
}

// For returns the recorder of one fetch run.
func (m *FetchMetrics) For(consumerKey, screenName string) *FetchRecorder {
	return &FetchRecorder{
		requests:  m.Requests.WithLabelValues(consumerKey, screenName),
		errors:    m.RequestErrors.WithLabelValues(consumerKey, screenName),
		successes: m.RequestSuccess.WithLabelValues(consumerKey, screenName),
		fetched:   m.TweetsFetched.WithLabelValues(consumerKey, screenName),
		duration:  m.FetchingSeconds.WithLabelValues(consumerKey, screenName),
	}
}

func (r *FetchRecorder) RequestStarted()   { r.requests.Inc() }
func (r *FetchRecorder) RequestFailed()    { r.errors.Inc() }
func (r *FetchRecorder) RequestSucceeded() { r.successes.Inc() }
func (r *FetchRecorder) TweetFetched()     { r.fetched.Inc() }

// FetchFinished records the duration of the complete fetch.
func (r *FetchRecorder) FetchFinished(d time.Duration) { r.duration.Set(d.Seconds()) }
