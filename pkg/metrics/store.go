package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StoreMetrics are the measurements of the store service.
type StoreMetrics struct {
	Services     prometheus.Counter
	TweetsStored *prometheus.CounterVec
}

// NewStoreMetrics creates the store metrics and registers them with reg.
func NewStoreMetrics(reg prometheus.Registerer) (*StoreMetrics, error) {
	m := &StoreMetrics{
		Services: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tweetprocess_services_store",
			Help: "Number of running store services",
		}),
		TweetsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tweetprocess_tweets_stored",
			Help: "Number of tweets stored",
		}, []string{"userId", "screenName", "storeStatus"}),
	}
	if err := reg.Register(m.Services); err != nil {
		return nil, err
	}
	if err := reg.Register(m.TweetsStored); err != nil {
		return nil, err
	}
	return m, nil
}

// ServiceStarted counts a running store service instance.
func (m *StoreMetrics) ServiceStarted() { m.Services.Inc() }

// TweetStored counts a persisted message by its outcome.
func (m *StoreMetrics) TweetStored(userID, screenName, status string) {
	m.TweetsStored.WithLabelValues(userID, screenName, status).Inc()
}
