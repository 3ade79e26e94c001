package comms

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricCollectiveCount  = []string{"comms", "collective", "count"}
	MetricBarrierCount     = []string{"comms", "barrier", "count"}
	MetricStreamAbortCount = []string{"comms", "stream", "abort", "count"}

	MetricSendCount   = []string{"comms", "p2p", "send", "count"}
	MetricSendBytes   = []string{"comms", "p2p", "send", "bytes"}
	MetricRecvCount   = []string{"comms", "p2p", "recv", "count"}
	MetricRecvBytes   = []string{"comms", "p2p", "recv", "bytes"}
	MetricRequestDone = []string{"comms", "p2p", "request", "done", "count"}
	MetricWaitTimeout = []string{"comms", "p2p", "wait", "timeout", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelCommID   TelemetryLabel = "comm_id"
	LabelRank     TelemetryLabel = "rank"
	LabelPeer     TelemetryLabel = "peer"
	LabelOp       TelemetryLabel = "op"
	LabelDatatype TelemetryLabel = "datatype"
	LabelStatus   TelemetryLabel = "status"
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
