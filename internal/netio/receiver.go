package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/dantte-lp/lowpannd/internal/nd"
	"github.com/dantte-lp/lowpannd/internal/wire"
)

// ReceiverMetrics receives transport-level counters. Implementations must
// be safe for concurrent use.
type ReceiverMetrics interface {
	// IncDatagramsReceived counts a datagram handed to the node.
	IncDatagramsReceived(transport string)

	// IncDatagramsMalformed counts a frame or datagram dropped before
	// reaching the node.
	IncDatagramsMalformed(transport string)
}

// noopReceiverMetrics discards everything.
type noopReceiverMetrics struct{}

func (noopReceiverMetrics) IncDatagramsReceived(string) {}
func (noopReceiverMetrics) IncDatagramsMalformed(string) {}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithReceiverMetrics sets the metrics sink.
func WithReceiverMetrics(m ReceiverMetrics) ReceiverOption {
	return func(r *Receiver) {
		if m != nil {
			r.metrics = m
		}
	}
}

// Receiver reads datagrams from a PacketSource, decodes them and forwards
// the messages to the node's inbound channel.
//
// The Receiver handles:
//   - Buffer management (one buffer per Run)
//   - Datagram decoding via wire.Decode
//   - Hop limit validation of ND messages
//   - Context-aware graceful shutdown
type Receiver struct {
	transport string
	metrics   ReceiverMetrics
	logger    *slog.Logger
}

// NewReceiver creates a Receiver for the named transport.
func NewReceiver(transport string, logger *slog.Logger, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		transport: transport,
		metrics:   noopReceiverMetrics{},
		logger: logger.With(
			slog.String("component", "netio.receiver"),
			slog.String("transport", transport),
		),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run reads from src until ctx is cancelled or src is closed. Decoded
// messages are sent on out; Run blocks while out is full.
//
// Malformed input is logged at debug level, counted and dropped. Other
// read errors are logged but do not stop the receiver.
func (r *Receiver) Run(ctx context.Context, src PacketSource, out chan<- *nd.Message) error {
	stop := context.AfterFunc(ctx, func() {
		// Unblock the pending read.
		_ = src.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, datagramBufSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := r.recvOne(src, buf)
		if err != nil {
			// Context cancellation during read is expected at shutdown.
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("receiver: %w", ErrSocketClosed)
			}
			r.logger.Warn("recv error", slog.String("error", err.Error()))
			continue
		}
		if msg == nil {
			continue
		}

		select {
		case out <- msg:
			r.metrics.IncDatagramsReceived(r.transport)
		case <-ctx.Done():
			return nil
		}
	}
}

// recvOne performs a single read-decode cycle. It returns a nil message
// and nil error for dropped input.
func (r *Receiver) recvOne(src PacketSource, buf []byte) (*nd.Message, error) {
	n, err := src.ReadDatagram(buf)
	if err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			r.drop("invalid frame", err)
			return nil, nil
		}
		return nil, fmt.Errorf("recv: %w", err)
	}

	msg, err := wire.Decode(buf[:n])
	if err != nil {
		r.drop("invalid datagram", err)
		return nil, nil
	}

	if err := ValidateHopLimit(msg); err != nil {
		r.drop("invalid hop limit", err,
			slog.String("src", msg.Src.String()),
		)
		return nil, nil
	}

	return msg, nil
}

// drop logs and counts discarded input.
func (r *Receiver) drop(reason string, err error, attrs ...any) {
	r.metrics.IncDatagramsMalformed(r.transport)
	r.logger.Debug(reason, append(attrs, slog.String("error", err.Error()))...)
}
