package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eddielth/shellyd/storage"
)

var labels = []string{"device", "station", "sensor"}

// Collector holds the daemon metrics on a private registry
type Collector struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	readings      *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	lastSuccess   prometheus.Gauge

	temperature *prometheus.GaugeVec
	humidity    *prometheus.GaugeVec
	voltage     *prometheus.GaugeVec
	capacity    *prometheus.GaugeVec
}

// New registers all metrics on a fresh registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shellyd_cycles_total",
			Help: "Polling cycles by result",
		}, []string{"result"}),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shellyd_readings_total",
			Help: "Device readings by result",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shellyd_cycle_duration_seconds",
			Help:    "Duration of a polling cycle",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shellyd_last_success_timestamp_seconds",
			Help: "Unix time of the last cycle that fetched a response",
		}),
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shellyd_temperature_celsius",
			Help: "Current temperature in Celsius",
		}, labels),
		humidity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shellyd_humidity_percent",
			Help: "Current relative humidity",
		}, labels),
		voltage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shellyd_battery_volts",
			Help: "Current battery voltage",
		}, labels),
		capacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shellyd_battery_percent",
			Help: "Current battery capacity",
		}, labels),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.cycles, c.readings, c.cycleDuration, c.lastSuccess,
		c.temperature, c.humidity, c.voltage, c.capacity,
	)
	return c
}

// CycleDone records one finished cycle. result is "ok" or the failure class.
func (c *Collector) CycleDone(result string, start time.Time, d time.Duration) {
	c.cycles.WithLabelValues(result).Inc()
	c.cycleDuration.Observe(d.Seconds())
	if result == "ok" {
		c.lastSuccess.Set(float64(start.Unix()))
	}
}

// ReadingFailed counts a device that was skipped
func (c *Collector) ReadingFailed(reason string) {
	c.readings.WithLabelValues(reason).Inc()
}

// ReadingStored counts a stored reading and exposes its values
func (c *Collector) ReadingStored(rec storage.Record) {
	c.readings.WithLabelValues("stored").Inc()

	l := prometheus.Labels{
		"device":  rec.Device.ID,
		"station": rec.Device.Station,
		"sensor":  rec.Device.Sensor,
	}
	c.temperature.With(l).Set(rec.Temperature)
	c.humidity.With(l).Set(rec.Humidity)
	c.voltage.With(l).Set(rec.Voltage)
	c.capacity.With(l).Set(rec.Capacity)
}

// Registry returns the private registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
