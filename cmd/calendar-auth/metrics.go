package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	loginStarts *prometheus.CounterVec
	callbacks   *prometheus.CounterVec
	refreshes   *prometheus.CounterVec
	keyWrites   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		loginStarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calendar_auth_login_starts_total",
			Help: "Login initiations by result",
		}, []string{"result"}),
		callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calendar_auth_callbacks_total",
			Help: "OAuth callbacks by result code",
		}, []string{"result"}),
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calendar_auth_token_refreshes_total",
			Help: "Access token refreshes by result",
		}, []string{"result"}),
		keyWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "calendar_auth_e2ee_key_writes_total",
			Help: "Wrapped data key records written",
		}),
	}
}
