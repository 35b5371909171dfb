package siamese

import "github.com/prometheus/client_golang/prometheus"

// StatsCollector exposes an encoder's counters as Prometheus metrics.
// Collect reads codec state, so it must be serialized with codec calls the
// same way every other operation is.
type StatsCollector struct {
	encoder *Encoder

	originals       *prometheus.Desc
	originalBytes   *prometheus.Desc
	recoveries      *prometheus.Desc
	recoveryBytes   *prometheus.Desc
	retransmits     *prometheus.Desc
	retransmitBytes *prometheus.Desc
	acks            *prometheus.Desc
	ackBytes        *prometheus.Desc
	memory          *prometheus.Desc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

// NewStatsCollector creates a collector for the given encoder.
func NewStatsCollector(encoder *Encoder) *StatsCollector {
	return &StatsCollector{
		encoder: encoder,
		originals: prometheus.NewDesc("siamese_encoder_originals_total",
			"Original packets added to the window", nil, nil),
		originalBytes: prometheus.NewDesc("siamese_encoder_original_bytes_total",
			"Original payload bytes added", nil, nil),
		recoveries: prometheus.NewDesc("siamese_encoder_recoveries_total",
			"Recovery packets generated", nil, nil),
		recoveryBytes: prometheus.NewDesc("siamese_encoder_recovery_bytes_total",
			"Recovery bytes generated, footers included", nil, nil),
		retransmits: prometheus.NewDesc("siamese_encoder_retransmits_total",
			"Original packets retransmitted from NACKs", nil, nil),
		retransmitBytes: prometheus.NewDesc("siamese_encoder_retransmit_bytes_total",
			"Retransmitted payload bytes", nil, nil),
		acks: prometheus.NewDesc("siamese_encoder_acks_total",
			"Acknowledgements processed", nil, nil),
		ackBytes: prometheus.NewDesc("siamese_encoder_ack_bytes_total",
			"Acknowledgement bytes processed", nil, nil),
		memory: prometheus.NewDesc("siamese_encoder_memory_bytes",
			"Bytes held by the codec arena", nil, nil),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.originals
	ch <- c.originalBytes
	ch <- c.recoveries
	ch <- c.recoveryBytes
	ch <- c.retransmits
	ch <- c.retransmitBytes
	ch <- c.acks
	ch <- c.ackBytes
	ch <- c.memory
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.encoder.Statistics()
	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	counter(c.originals, stats.OriginalCount)
	counter(c.originalBytes, stats.OriginalBytes)
	counter(c.recoveries, stats.RecoveryCount)
	counter(c.recoveryBytes, stats.RecoveryBytes)
	counter(c.retransmits, stats.RetransmitCount)
	counter(c.retransmitBytes, stats.RetransmitBytes)
	counter(c.acks, stats.AckCount)
	counter(c.ackBytes, stats.AckBytes)
	ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, float64(stats.MemoryUsed))
}
