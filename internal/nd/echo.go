package nd

import (
	"log/slog"
	"slices"
)

// echoResponder answers ICMPv6 Echo Requests addressed to the node.
type echoResponder struct{}

// Start implements Behavior.
func (echoResponder) Start(p *Process) error {
	p.Subscribe(Pattern{Type: TypeEchoRequest})
	return nil
}

// Handle implements Behavior.
func (echoResponder) Handle(p *Process, ev Event) (Reply, error) {
	if ev.Kind != EventMessage || ev.Msg == nil || ev.Msg.Type != TypeEchoRequest {
		return ReplyNone, nil
	}
	req := ev.Msg

	if p.node.duplicates.Contains(req.Dst) {
		p.logger.Debug("not answering echo to duplicate address",
			slog.String("dst", req.Dst.String()),
		)
		return ReplyNone, nil
	}

	// Only link-local scope is covered for on-link destinations.
	src := req.Dst
	if IsLinkLocalOrMulticast(req.Dst) {
		src = p.node.linkLocal
	}

	p.node.Send(&Message{
		Src:        src,
		Dst:        req.Src,
		HopLimit:   defaultHopLimit,
		Type:       TypeEchoReply,
		Identifier: req.Identifier,
		Sequence:   req.Sequence,
		Payload:    slices.Clone(req.Payload),
	})

	return ReplyNone, nil
}
