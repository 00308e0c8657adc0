// Package wire converts between IPv6/ICMPv6 datagrams and nd.Message
// values, covering the Neighbor Discovery messages and options used on
// 6LoWPAN links (RFC 4861, RFC 6775) and ICMPv6 Echo (RFC 4443).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"slices"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/dantte-lp/lowpannd/internal/nd"
)

// Sentinel errors for codec failures.
var (
	// ErrNotICMPv6 indicates the datagram does not carry ICMPv6.
	ErrNotICMPv6 = errors.New("not an ICMPv6 datagram")

	// ErrTruncated indicates the IPv6 payload length exceeds the datagram.
	ErrTruncated = errors.New("truncated datagram")

	// ErrUnsupportedType indicates an ICMPv6 type the codec does not handle.
	ErrUnsupportedType = errors.New("unsupported ICMPv6 type")

	// ErrMalformedOption indicates an option whose length does not fit its
	// type.
	ErrMalformedOption = errors.New("malformed option")

	// ErrInvalidAddress indicates a missing or non-IPv6 address.
	ErrInvalidAddress = errors.New("invalid IPv6 address")
)

// Option body lengths (option length minus the 2-byte type/length header).
const (
	prefixInfoLen   = 30
	addrRegLen      = 14
	shortContextLen = 14
	longContextLen  = 22
	eui64LLALen     = 14
)

// Flag bits.
const (
	raManaged = 0x80
	raOther   = 0x40

	naRouter    = 0x80
	naSolicited = 0x40
	naOverride  = 0x20

	pioOnLink     = 0x80
	pioAutonomous = 0x40

	ctxCompress = 0x10
	ctxIDMask   = 0x0f
)

// contextUnit is the 6CO valid lifetime unit.
const contextUnit = 60 * time.Second

// HeaderLen is the length of the fixed IPv6 header. Encode output starts
// with the ICMPv6 message at this offset.
const HeaderLen = 40

// -------------------------------------------------------------------------
// Decode
// -------------------------------------------------------------------------

// Decode parses an IPv6 datagram carrying one ICMPv6 message. The ICMPv6
// checksum is not verified.
func Decode(b []byte) (*nd.Message, error) {
	var (
		ip   layers.IPv6
		icmp layers.ICMPv6
	)

	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6, &ip, &icmp)
	parser.IgnoreUnsupported = true

	decoded := make([]gopacket.LayerType, 0, 2)
	if err := parser.DecodeLayers(b, &decoded); err != nil {
		return nil, fmt.Errorf("decode IPv6 datagram: %w", err)
	}
	if parser.Truncated {
		return nil, ErrTruncated
	}
	if !slices.Contains(decoded, layers.LayerTypeICMPv6) {
		return nil, fmt.Errorf("next header %s: %w", ip.NextHeader, ErrNotICMPv6)
	}

	src, okSrc := netip.AddrFromSlice(ip.SrcIP)
	dst, okDst := netip.AddrFromSlice(ip.DstIP)
	if !okSrc || !okDst {
		return nil, ErrInvalidAddress
	}

	msg := &nd.Message{
		Src:      src,
		Dst:      dst,
		HopLimit: ip.HopLimit,
		Type:     nd.MessageType(icmp.TypeCode.Type()),
	}

	opts, err := decodeBody(msg, icmp.LayerPayload())
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
	}

	for _, o := range opts {
		opt, err := decodeOption(o)
		if err != nil {
			return nil, fmt.Errorf("decode %s option %d: %w", msg.Type, o.Type, err)
		}
		msg.Options = append(msg.Options, opt)
	}

	return msg, nil
}

// decodeBody fills the type-specific fields of msg and returns its raw
// options.
func decodeBody(msg *nd.Message, body []byte) (layers.ICMPv6Options, error) {
	df := gopacket.NilDecodeFeedback

	switch msg.Type {
	case nd.TypeRouterSolicitation:
		var rs layers.ICMPv6RouterSolicitation
		if err := rs.DecodeFromBytes(body, df); err != nil {
			return nil, err
		}
		return rs.Options, nil

	case nd.TypeRouterAdvertisement:
		var ra layers.ICMPv6RouterAdvertisement
		if err := ra.DecodeFromBytes(body, df); err != nil {
			return nil, err
		}
		msg.CurHopLimit = ra.HopLimit
		msg.Managed = ra.Flags&raManaged != 0
		msg.Other = ra.Flags&raOther != 0
		msg.RouterLifetime = time.Duration(ra.RouterLifetime) * time.Second
		msg.ReachableTime = time.Duration(ra.ReachableTime) * time.Millisecond
		msg.RetransTimer = time.Duration(ra.RetransTimer) * time.Millisecond
		return ra.Options, nil

	case nd.TypeNeighborSolicitation:
		var ns layers.ICMPv6NeighborSolicitation
		if err := ns.DecodeFromBytes(body, df); err != nil {
			return nil, err
		}
		target, ok := netip.AddrFromSlice(ns.TargetAddress)
		if !ok {
			return nil, ErrInvalidAddress
		}
		msg.Target = target
		return ns.Options, nil

	case nd.TypeNeighborAdvertisement:
		var na layers.ICMPv6NeighborAdvertisement
		if err := na.DecodeFromBytes(body, df); err != nil {
			return nil, err
		}
		target, ok := netip.AddrFromSlice(na.TargetAddress)
		if !ok {
			return nil, ErrInvalidAddress
		}
		msg.Target = target
		msg.Router = na.Flags&naRouter != 0
		msg.Solicited = na.Flags&naSolicited != 0
		msg.Override = na.Flags&naOverride != 0
		return na.Options, nil

	case nd.TypeEchoRequest, nd.TypeEchoReply:
		var echo layers.ICMPv6Echo
		if err := echo.DecodeFromBytes(body, df); err != nil {
			return nil, err
		}
		msg.Identifier = echo.Identifier
		msg.Sequence = echo.SeqNumber
		msg.Payload = slices.Clone(body[4:])
		return nil, nil

	default:
		return nil, ErrUnsupportedType
	}
}

// decodeOption converts one raw option.
func decodeOption(o layers.ICMPv6Option) (nd.Option, error) {
	data := o.Data

	switch nd.OptionType(o.Type) {
	case nd.OptSourceLinkLayerAddress, nd.OptTargetLinkLayerAddress:
		addr := data
		// An 8-byte EUI-64 is padded to a 16-byte option (RFC 4944
		// Section 8).
		if len(data) == eui64LLALen {
			addr = data[:8]
		}
		return &nd.LinkLayerAddress{
			Target: nd.OptionType(o.Type) == nd.OptTargetLinkLayerAddress,
			Addr:   slices.Clone(addr),
		}, nil

	case nd.OptPrefixInformation:
		if len(data) != prefixInfoLen {
			return nil, fmt.Errorf("prefix information length %d: %w", len(data)+2, ErrMalformedOption)
		}
		bits := int(data[0])
		prefix, err := netip.AddrFrom16([16]byte(data[14:30])).Prefix(bits)
		if err != nil {
			return nil, fmt.Errorf("prefix length %d: %w", bits, ErrMalformedOption)
		}
		return &nd.PrefixInformation{
			Prefix:            prefix,
			OnLink:            data[1]&pioOnLink != 0,
			Autonomous:        data[1]&pioAutonomous != 0,
			ValidLifetime:     time.Duration(binary.BigEndian.Uint32(data[2:6])) * time.Second,
			PreferredLifetime: time.Duration(binary.BigEndian.Uint32(data[6:10])) * time.Second,
		}, nil

	case nd.OptAddressRegistration:
		if len(data) != addrRegLen {
			return nil, fmt.Errorf("address registration length %d: %w", len(data)+2, ErrMalformedOption)
		}
		return &nd.AddressRegistration{
			Status:   data[0],
			Lifetime: binary.BigEndian.Uint16(data[4:6]),
			EUI64:    nd.EUI64(data[6:14]),
		}, nil

	case nd.OptContext:
		if len(data) != shortContextLen && len(data) != longContextLen {
			return nil, fmt.Errorf("context length %d: %w", len(data)+2, ErrMalformedOption)
		}
		bits := int(data[0])
		if bits > 8*(len(data)-6) {
			return nil, fmt.Errorf("context prefix length %d: %w", bits, ErrMalformedOption)
		}
		var raw [16]byte
		copy(raw[:], data[6:])
		prefix, err := netip.AddrFrom16(raw).Prefix(bits)
		if err != nil {
			return nil, fmt.Errorf("context prefix length %d: %w", bits, ErrMalformedOption)
		}
		return &nd.ContextOption{
			ContextID:     data[1] & ctxIDMask,
			Compress:      data[1]&ctxCompress != 0,
			Prefix:        prefix,
			ValidLifetime: time.Duration(binary.BigEndian.Uint16(data[4:6])) * contextUnit,
		}, nil

	default:
		return &nd.RawOption{Code: nd.OptionType(o.Type), Value: slices.Clone(data)}, nil
	}
}

// -------------------------------------------------------------------------
// Encode
// -------------------------------------------------------------------------

// Encode serializes msg as an IPv6 datagram with computed lengths and
// ICMPv6 checksum.
func Encode(msg *nd.Message) ([]byte, error) {
	if !msg.Src.Is6() || !msg.Dst.Is6() {
		return nil, fmt.Errorf("%s: %w", msg, ErrInvalidAddress)
	}

	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   msg.HopLimit,
		SrcIP:      msg.Src.AsSlice(),
		DstIP:      msg.Dst.AsSlice(),
	}
	icmp := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(uint8(msg.Type), 0),
	}
	if err := icmp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("set checksum layer: %w", err)
	}

	body, err := encodeBody(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	all := append([]gopacket.SerializableLayer{ip, icmp}, body...)
	if err := gopacket.SerializeLayers(buf, opts, all...); err != nil {
		return nil, fmt.Errorf("serialize %s: %w", msg.Type, err)
	}

	return buf.Bytes(), nil
}

// encodeBody returns the layers following the ICMPv6 header. Options are
// serialized as a trailing payload so their order is preserved.
func encodeBody(msg *nd.Message) ([]gopacket.SerializableLayer, error) {
	options, err := encodeOptions(msg.Options)
	if err != nil {
		return nil, err
	}

	switch msg.Type {
	case nd.TypeRouterSolicitation:
		return []gopacket.SerializableLayer{&layers.ICMPv6RouterSolicitation{}, options}, nil

	case nd.TypeRouterAdvertisement:
		var flags uint8
		if msg.Managed {
			flags |= raManaged
		}
		if msg.Other {
			flags |= raOther
		}
		ra := &layers.ICMPv6RouterAdvertisement{
			HopLimit:       msg.CurHopLimit,
			Flags:          flags,
			RouterLifetime: uint16(clampSeconds(msg.RouterLifetime, math.MaxUint16)),
			ReachableTime:  uint32(clampMillis(msg.ReachableTime)),
			RetransTimer:   uint32(clampMillis(msg.RetransTimer)),
		}
		return []gopacket.SerializableLayer{ra, options}, nil

	case nd.TypeNeighborSolicitation:
		ns := &layers.ICMPv6NeighborSolicitation{TargetAddress: msg.Target.AsSlice()}
		return []gopacket.SerializableLayer{ns, options}, nil

	case nd.TypeNeighborAdvertisement:
		var flags uint8
		if msg.Router {
			flags |= naRouter
		}
		if msg.Solicited {
			flags |= naSolicited
		}
		if msg.Override {
			flags |= naOverride
		}
		na := &layers.ICMPv6NeighborAdvertisement{Flags: flags, TargetAddress: msg.Target.AsSlice()}
		return []gopacket.SerializableLayer{na, options}, nil

	case nd.TypeEchoRequest, nd.TypeEchoReply:
		echo := &layers.ICMPv6Echo{Identifier: msg.Identifier, SeqNumber: msg.Sequence}
		return []gopacket.SerializableLayer{echo, gopacket.Payload(msg.Payload)}, nil

	default:
		return nil, ErrUnsupportedType
	}
}

// encodeOptions serializes options in order as type-length-value records
// padded to 8-byte units.
func encodeOptions(opts []nd.Option) (gopacket.Payload, error) {
	var out []byte
	for _, opt := range opts {
		o, err := encodeOption(opt)
		if err != nil {
			return nil, fmt.Errorf("encode option %d: %w", opt.Type(), err)
		}

		total := (len(o.Data) + 2 + 7) &^ 7
		if total/8 > math.MaxUint8 {
			return nil, fmt.Errorf("option length %d: %w", total, ErrMalformedOption)
		}
		rec := make([]byte, total)
		rec[0] = byte(o.Type)
		rec[1] = byte(total / 8)
		copy(rec[2:], o.Data)
		out = append(out, rec...)
	}
	return out, nil
}

// encodeOption converts one typed option to its raw body.
func encodeOption(opt nd.Option) (layers.ICMPv6Option, error) {
	o := layers.ICMPv6Option{Type: layers.ICMPv6Opt(opt.Type())}

	switch v := opt.(type) {
	case *nd.LinkLayerAddress:
		o.Data = slices.Clone(v.Addr)

	case *nd.PrefixInformation:
		if !v.Prefix.Addr().Is6() {
			return o, ErrInvalidAddress
		}
		d := make([]byte, prefixInfoLen)
		d[0] = byte(v.Prefix.Bits())
		if v.OnLink {
			d[1] |= pioOnLink
		}
		if v.Autonomous {
			d[1] |= pioAutonomous
		}
		binary.BigEndian.PutUint32(d[2:6], uint32(clampSeconds(v.ValidLifetime, math.MaxUint32)))
		binary.BigEndian.PutUint32(d[6:10], uint32(clampSeconds(v.PreferredLifetime, math.MaxUint32)))
		a := v.Prefix.Masked().Addr().As16()
		copy(d[14:], a[:])
		o.Data = d

	case *nd.AddressRegistration:
		d := make([]byte, addrRegLen)
		d[0] = v.Status
		binary.BigEndian.PutUint16(d[4:6], v.Lifetime)
		copy(d[6:], v.EUI64[:])
		o.Data = d

	case *nd.ContextOption:
		if !v.Prefix.Addr().Is6() {
			return o, ErrInvalidAddress
		}
		size := shortContextLen
		if v.Prefix.Bits() > 64 {
			size = longContextLen
		}
		d := make([]byte, size)
		d[0] = byte(v.Prefix.Bits())
		d[1] = v.ContextID & ctxIDMask
		if v.Compress {
			d[1] |= ctxCompress
		}
		minutes := min(int64(v.ValidLifetime/contextUnit), math.MaxUint16)
		binary.BigEndian.PutUint16(d[4:6], uint16(max(minutes, 0)))
		a := v.Prefix.Masked().Addr().As16()
		copy(d[6:], a[:size-6])
		o.Data = d

	case *nd.RawOption:
		o.Data = slices.Clone(v.Value)

	default:
		return o, fmt.Errorf("option %T: %w", opt, ErrMalformedOption)
	}

	return o, nil
}

// Wrap prepends an IPv6 header to an ICMPv6 message received without one,
// as delivered by raw ICMPv6 sockets.
func Wrap(src, dst netip.Addr, hopLimit uint8, icmp []byte) ([]byte, error) {
	if !src.Is6() || !dst.Is6() {
		return nil, ErrInvalidAddress
	}

	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   hopLimit,
		SrcIP:      src.AsSlice(),
		DstIP:      dst.AsSlice(),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(icmp)); err != nil {
		return nil, fmt.Errorf("serialize IPv6 header: %w", err)
	}
	return buf.Bytes(), nil
}

// clampSeconds converts d to whole seconds within [0, limit].
func clampSeconds(d time.Duration, limit int64) int64 {
	s := int64(d / time.Second)
	return max(min(s, limit), 0)
}

// clampMillis converts d to whole milliseconds within the 32-bit field.
func clampMillis(d time.Duration) int64 {
	return max(min(d.Milliseconds(), math.MaxUint32), 0)
}
