// Package natsbus mirrors event-bus records onto NATS subjects so a process
// outside the daemon can observe state changes without holding a websocket
// connection open. It is optional: the daemon runs fine with no NATS URL
// configured.
package natsbus

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
)

var propagator = propagation.TraceContext{}

// Mirror publishes data to subject with the current trace context injected
// into NATS headers, mirroring natsctx.Publish from the upstream daemon's
// consensus control plane. The daemon only ever mirrors outbound; it has no
// inbound command surface over NATS, so there is no corresponding Subscribe.
func Mirror(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	return nc.PublishMsg(msg)
}
