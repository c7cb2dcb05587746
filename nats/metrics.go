package nats

import "github.com/prometheus/client_golang/prometheus"

// ClientCollector exposes the connection counters of a Client as Prometheus
// metrics. Register it with any prometheus.Registerer; collection reads the
// live counters and never touches the wire.
type ClientCollector struct {
	client *Client

	inMsgs         *prometheus.Desc
	outMsgs        *prometheus.Desc
	inBytes        *prometheus.Desc
	outBytes       *prometheus.Desc
	reconnects     *prometheus.Desc
	protocolErrors *prometheus.Desc
}

// NewClientCollector creates a collector for the given client. The client
// name is attached as a label so several connections can share a registry.
func NewClientCollector(client *Client) *ClientCollector {
	labels := prometheus.Labels{"client": client.Name()}
	return &ClientCollector{
		client: client,
		inMsgs: prometheus.NewDesc(
			"nats_client_in_msgs_total",
			"Messages delivered to this client",
			nil, labels),
		outMsgs: prometheus.NewDesc(
			"nats_client_out_msgs_total",
			"Messages published by this client",
			nil, labels),
		inBytes: prometheus.NewDesc(
			"nats_client_in_bytes_total",
			"Bytes read from the transport",
			nil, labels),
		outBytes: prometheus.NewDesc(
			"nats_client_out_bytes_total",
			"Bytes written to the transport",
			nil, labels),
		reconnects: prometheus.NewDesc(
			"nats_client_reconnects_total",
			"Completed reconnects",
			nil, labels),
		protocolErrors: prometheus.NewDesc(
			"nats_client_protocol_errors_total",
			"Malformed or unparseable inbound frames",
			nil, labels),
	}
}

// Describe implements prometheus.Collector.
func (collector *ClientCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- collector.inMsgs
	descs <- collector.outMsgs
	descs <- collector.inBytes
	descs <- collector.outBytes
	descs <- collector.reconnects
	descs <- collector.protocolErrors
}

// Collect implements prometheus.Collector.
func (collector *ClientCollector) Collect(metrics chan<- prometheus.Metric) {
	stats := collector.client.Stats()
	metrics <- prometheus.MustNewConstMetric(collector.inMsgs, prometheus.CounterValue, float64(stats.InMsgs))
	metrics <- prometheus.MustNewConstMetric(collector.outMsgs, prometheus.CounterValue, float64(stats.OutMsgs))
	metrics <- prometheus.MustNewConstMetric(collector.inBytes, prometheus.CounterValue, float64(stats.InBytes))
	metrics <- prometheus.MustNewConstMetric(collector.outBytes, prometheus.CounterValue, float64(stats.OutBytes))
	metrics <- prometheus.MustNewConstMetric(collector.reconnects, prometheus.CounterValue, float64(stats.Reconnects))
	metrics <- prometheus.MustNewConstMetric(collector.protocolErrors, prometheus.CounterValue, float64(stats.ProtocolErrors))
}
