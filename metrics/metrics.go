// Package metrics exposes prometheus collectors for the handover service.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goliatone/go-handover"
)

var (
	// RequestsTotal counts HTTP requests by method, route and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handover_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handover_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// ActivityTotal counts domain events by type.
	ActivityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handover_activity_events_total",
			Help: "Account lifecycle events",
		},
		[]string{"event"},
	)

	// HandoversTotal counts completed handovers by path.
	HandoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handover_completed_total",
			Help: "Completed handovers",
		},
		[]string{"performed_by"},
	)

	// NotificationFailuresTotal counts notifications that could not be delivered.
	NotificationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handover_notification_failures_total",
			Help: "Failed notifications",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActivityTotal,
		HandoversTotal,
		NotificationFailuresTotal,
	)
}

// ActivitySink counts activity events. It never fails.
func ActivitySink() handover.ActivitySink {
	return handover.ActivitySinkFunc(func(_ context.Context, event handover.ActivityEvent) error {
		ActivityTotal.WithLabelValues(string(event.EventType)).Inc()

		switch event.EventType {
		case handover.ActivityEventHandoverCompleted:
			performedBy, _ := event.Metadata["performed_by"].(string)
			label := "self"
			if handover.IsAdminPerformed(performedBy) {
				label = "admin"
			}
			HandoversTotal.WithLabelValues(label).Inc()
		case handover.ActivityEventNotificationFailed:
			kind, _ := event.Metadata["kind"].(string)
			NotificationFailuresTotal.WithLabelValues(kind).Inc()
		}
		return nil
	})
}

// Middleware records request counts and durations. Routes are labeled by
// their registered path to keep cardinality bounded.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}

		route := c.Route().Path
		if route == "" {
			route = "unmatched"
		}

		RequestsTotal.WithLabelValues(c.Method(), route, strconv.Itoa(status/100)+"xx").Inc()
		RequestDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
		return err
	}
}

// Handler serves the default registry.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
