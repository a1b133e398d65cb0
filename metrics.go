package tub

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricTubUDPBufferSizeBytes = []string{"tub", "udp", "buffer", "size", "bytes"}
	MetricTubConnEstCount       = []string{"tub", "connection", "established", "count"}
	MetricTubConnErrorCount     = []string{"tub", "connection", "error", "count"}
	MetricTubConnLostCount      = []string{"tub", "connection", "lost", "count"}
	MetricTubFrameInBytes       = []string{"tub", "frame", "in", "bytes"}
	MetricTubFrameOutBytes      = []string{"tub", "frame", "out", "bytes"}

	// MetricBrokerCallOutCount counts calls serialized and queued.
	MetricBrokerCallOutCount      = []string{"broker", "call", "out", "count"}
	MetricBrokerCallInCount       = []string{"broker", "call", "in", "count"}
	MetricBrokerCallErrorCount    = []string{"broker", "call", "error", "count"}
	MetricBrokerPendingCalls      = []string{"broker", "call", "pending"}
	MetricBrokerStrayReplyCount   = []string{"broker", "reply", "stray", "count"}
	MetricBrokerDecRefCount       = []string{"broker", "decref", "count"}
	MetricBrokerGiftOutCount      = []string{"broker", "gift", "out", "count"}
	MetricBrokerGiftReleasedCount = []string{"broker", "gift", "released", "count"}
	MetricBrokerGiftUnknownCount  = []string{"broker", "gift", "unknown", "count"}
	MetricBrokerGiftResolveErrors = []string{"broker", "gift", "resolve", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelTubID    TelemetryLabel = "tub_id"
	LabelPeerID   TelemetryLabel = "peer_id"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelBroker   TelemetryLabel = "broker"
	LabelCallID   TelemetryLabel = "call_id"
	LabelRefID    TelemetryLabel = "ref_id"
	LabelGiftID   TelemetryLabel = "gift_id"
	LabelMethod   TelemetryLabel = "method"
	LabelKind     TelemetryLabel = "kind"
	LabelURL      TelemetryLabel = "url"
	LabelDuration TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
