// Package metrics exposes session statistics as Prometheus metrics.
//
// SessionCollector implements prometheus.Collector over any number of
// labeled sessions, sampling each session's statistics snapshot at scrape
// time. Registering it is optional; the protocol engine itself has no
// metrics dependency beyond the Stats snapshot it already provides.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opd-ai/lanewire/session"
)

// StatsSource is the slice of a session the collector needs. *session.Session
// satisfies it.
type StatsSource interface {
	Stats() session.Stats
}

// SessionCollector collects per-session protocol metrics. Sessions are
// registered under a label value, typically the peer address or connection
// identifier.
type SessionCollector struct {
	mu      sync.RWMutex
	sources map[string]StatsSource

	rttDesc           *prometheus.Desc
	rttVarDesc        *prometheus.Desc
	lossDesc          *prometheus.Desc
	packetsSentDesc   *prometheus.Desc
	packetsRecvDesc   *prometheus.Desc
	packetsAckedDesc  *prometheus.Desc
	packetsLostDesc   *prometheus.Desc
	retransmitsDesc   *prometheus.Desc
	msgsSentDesc      *prometheus.Desc
	msgsDeliveredDesc *prometheus.Desc
	inFlightDesc      *prometheus.Desc
	reassemblyDesc    *prometheus.Desc
	pendingDesc       *prometheus.Desc
}

// NewSessionCollector creates an empty collector. The namespace prefixes
// every metric name, conventionally the application name.
func NewSessionCollector(namespace string) *SessionCollector {
	labels := []string{"session"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "lanewire", name),
			help, labels, nil,
		)
	}
	return &SessionCollector{
		sources:           make(map[string]StatsSource),
		rttDesc:           desc("rtt_seconds", "Smoothed round-trip time"),
		rttVarDesc:        desc("rtt_variance_seconds", "Round-trip time variance"),
		lossDesc:          desc("loss_ratio", "Packet loss ratio over the recent outcome window"),
		packetsSentDesc:   desc("packets_sent_total", "Packets produced by Flush"),
		packetsRecvDesc:   desc("packets_received_total", "Well-formed packets accepted by Recv"),
		packetsAckedDesc:  desc("packets_acked_total", "Sent packets acknowledged by the peer"),
		packetsLostDesc:   desc("packets_lost_total", "Sent packets presumed lost"),
		retransmitsDesc:   desc("retransmits_total", "Fragment retransmissions"),
		msgsSentDesc:      desc("messages_sent_total", "Messages accepted by Send"),
		msgsDeliveredDesc: desc("messages_delivered_total", "Messages returned by Update"),
		inFlightDesc:      desc("bytes_in_flight", "Unacknowledged reliable fragment bytes"),
		reassemblyDesc:    desc("reassembly_bytes", "Bytes held in reassembly buffers"),
		pendingDesc:       desc("pending_reassemblies", "In-progress reassembly buffers"),
	}
}

// Add registers a session under the given label value, replacing any
// previous session with the same label.
func (c *SessionCollector) Add(label string, src StatsSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[label] = src
}

// Remove drops the session registered under the given label value.
func (c *SessionCollector) Remove(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, label)
}

// Describe implements prometheus.Collector.
func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rttDesc
	ch <- c.rttVarDesc
	ch <- c.lossDesc
	ch <- c.packetsSentDesc
	ch <- c.packetsRecvDesc
	ch <- c.packetsAckedDesc
	ch <- c.packetsLostDesc
	ch <- c.retransmitsDesc
	ch <- c.msgsSentDesc
	ch <- c.msgsDeliveredDesc
	ch <- c.inFlightDesc
	ch <- c.reassemblyDesc
	ch <- c.pendingDesc
}

// Collect implements prometheus.Collector.
func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	gauge := prometheus.GaugeValue
	counter := prometheus.CounterValue
	for label, src := range c.sources {
		st := src.Stats()
		ch <- prometheus.MustNewConstMetric(c.rttDesc, gauge, st.SmoothedRTT.Seconds(), label)
		ch <- prometheus.MustNewConstMetric(c.rttVarDesc, gauge, st.RTTVariance.Seconds(), label)
		ch <- prometheus.MustNewConstMetric(c.lossDesc, gauge, st.LossRatio, label)
		ch <- prometheus.MustNewConstMetric(c.packetsSentDesc, counter, float64(st.PacketsSent), label)
		ch <- prometheus.MustNewConstMetric(c.packetsRecvDesc, counter, float64(st.PacketsReceived), label)
		ch <- prometheus.MustNewConstMetric(c.packetsAckedDesc, counter, float64(st.PacketsAcked), label)
		ch <- prometheus.MustNewConstMetric(c.packetsLostDesc, counter, float64(st.PacketsLost), label)
		ch <- prometheus.MustNewConstMetric(c.retransmitsDesc, counter, float64(st.Retransmits), label)
		ch <- prometheus.MustNewConstMetric(c.msgsSentDesc, counter, float64(st.MessagesSent), label)
		ch <- prometheus.MustNewConstMetric(c.msgsDeliveredDesc, counter, float64(st.MessagesDelivered), label)
		ch <- prometheus.MustNewConstMetric(c.inFlightDesc, gauge, float64(st.BytesInFlight), label)
		ch <- prometheus.MustNewConstMetric(c.reassemblyDesc, gauge, float64(st.ReassemblyBytes), label)
		ch <- prometheus.MustNewConstMetric(c.pendingDesc, gauge, float64(st.PendingReassemblies), label)
	}
}
