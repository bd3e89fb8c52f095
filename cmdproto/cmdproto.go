// Package cmdproto implements the command-wire length arbitration of
// spec.md §4.7: the fixed-layout request/reply framing chrony's command
// protocol uses, including the older, shorter packet layouts still
// accepted from legacy clients and the padding rule that keeps replies
// from amplifying a spoofed request into an oversized response.
package cmdproto

import "fmt"

// Version is the command-protocol version a request claims to speak.
// spec.md §4.7 treats PacketVersion as the discriminant between the
// current fixed-length layout and a small set of older ones still
// accepted for compatibility, grounded on original_source/pktlength.c.
type Version uint8

const (
	VersionCurrent Version = 6
	VersionOldest  Version = 2
)

// Code identifies a command/reply pair, grounded on
// original_source/candm.h's REQ_*/RPY_* enumerations. Only the subset
// exercised by the command-protocol server (internal/cmdserver) and tests is
// named here; an unrecognized code is rejected rather than guessed at.
type Code uint16

const (
	CodeNull Code = iota
	CodeSourceData
	CodeSourceStats
	CodeTracking
	CodeRTCReport
	CodeKeyGen
	// CodeManualList and CodeClientAccesses are the two count-prefixed
	// list replies original_source/pktlength.c's PKL_ReplyLength caps
	// explicitly (RPY_MANUAL_LIST/RPY_CLIENT_ACCESSES_BY_INDEX): their
	// wire length depends on a claimed element count, which ListReplyLength
	// rejects (returns 0, the protocol's malformed-reply sentinel) once
	// it exceeds ManualListSampleCap/ClientAccessCap.
	CodeManualList
	CodeClientAccesses
)

// ManualListSampleCap and ClientAccessCap bound the element count a
// list-style reply may claim before PKL_ReplyLength's cap rule treats
// it as malformed, mirroring candm.h's MAX_MANUAL_LIST_SAMPLES and
// MAX_CLIENT_ACCESSES (original_source/reports.h supplies the sample
// struct shapes those caps bound, RPT_ManualSamplesReport and
// RPT_ClientAccessByIndex_Report).
const (
	ManualListSampleCap = 16
	ClientAccessCap     = 32
)

// manualListSampleSize and clientAccessSize are each list entry's
// fixed wire size (RPY_ManualListSample / RPY_ClientAccesses_Client).
const (
	manualListSampleSize = 24
	clientAccessSize     = 28
)

// layout is one command's fixed wire lengths for a given protocol
// version, mirroring pktlength.c's per-version PADDING arrays. For the
// two list-reply codes, replyLength is just the fixed header ahead of
// the variable-length element array; ListReplyLength adds the rest.
type layout struct {
	requestLength int
	replyLength   int
}

// table maps (version, code) to its fixed lengths. Only
// VersionCurrent carries every code; earlier versions only ever
// defined the subset that existed at the time, matching
// original_source/pktlength.c's version-indexed tables.
var table = map[Version]map[Code]layout{
	VersionCurrent: {
		CodeNull:           {requestLength: 20, replyLength: 20},
		CodeSourceData:     {requestLength: 28, replyLength: 128},
		CodeSourceStats:    {requestLength: 28, replyLength: 96},
		CodeTracking:       {requestLength: 20, replyLength: 64},
		CodeRTCReport:      {requestLength: 20, replyLength: 32},
		CodeKeyGen:         {requestLength: 24, replyLength: 20},
		CodeManualList:     {requestLength: 20, replyLength: 4},
		CodeClientAccesses: {requestLength: 24, replyLength: 4},
	},
	VersionOldest: {
		CodeNull:       {requestLength: 16, replyLength: 16},
		CodeSourceData: {requestLength: 24, replyLength: 96},
		CodeTracking:   {requestLength: 16, replyLength: 48},
	},
}

// RequestLength returns the exact byte length a request of this
// version/code must have. ok is false for an unknown (version, code)
// pair.
func RequestLength(v Version, c Code) (length int, ok bool) {
	vt, ok := table[v]
	if !ok {
		return 0, false
	}
	l, ok := vt[c]
	return l.requestLength, ok
}

// ReplyLength returns the exact byte length this command's reply
// occupies on the wire.
func ReplyLength(v Version, c Code) (length int, ok bool) {
	vt, ok := table[v]
	if !ok {
		return 0, false
	}
	l, ok := vt[c]
	return l.replyLength, ok
}

// VersionPadding is the protocol version at and after which a request
// must be zero-padded out to its reply's size, per pktlength.c's
// PROTO_VERSION_PADDING threshold; requests at an older version carry
// no padding at all.
const VersionPadding Version = 6

// PaddingLength returns the zero-padding byte count a request of this
// version/code must carry beyond its unpadded body, per pktlength.c's
// PADDING_LENGTH macro: max(0, reply_length - request_length), gated
// by VersionPadding. This is the protocol's actual anti-amplification
// mechanism — a client must already send a packet as large as the
// reply it's asking for — rather than a ratio check applied after the
// fact.
func PaddingLength(v Version, c Code) int {
	if v < VersionPadding {
		return 0
	}
	reqLen, ok := RequestLength(v, c)
	if !ok {
		return 0
	}
	replyLen, ok := ReplyLength(v, c)
	if !ok {
		return 0
	}
	if replyLen > reqLen {
		return replyLen - reqLen
	}
	return 0
}

// RequestWireLength is the exact byte length a correctly formed
// request (including any VersionPadding zero padding) must have — the
// length ValidateRequest accepts and a client must send.
func RequestWireLength(v Version, c Code) (length int, ok bool) {
	base, ok := RequestLength(v, c)
	if !ok {
		return 0, false
	}
	return base + PaddingLength(v, c), true
}

// ValidateRequest checks a received request's length against the fixed
// layout for its claimed version and code, plus any padding
// PaddingLength requires at that version, per spec.md §4.7's
// arbitration rule: any mismatch is rejected outright rather than
// parsed defensively, since a fixed-length (and, from VersionPadding
// on, fixed-and-padded) protocol has no legitimate reason to vary.
func ValidateRequest(v Version, c Code, gotLength int) error {
	want, ok := RequestLength(v, c)
	if !ok {
		return fmt.Errorf("cmdproto: unknown command %d at protocol version %d", c, v)
	}
	want += PaddingLength(v, c)
	if gotLength != want {
		return fmt.Errorf("cmdproto: command %d version %d expects a %d-byte request, got %d", c, v, want, gotLength)
	}
	return nil
}

// ListReplyLength computes a count-prefixed list reply's total wire
// length from its claimed element count, per pktlength.c's
// PKL_ReplyLength cap rule for RPY_MANUAL_LIST/RPY_CLIENT_ACCESSES_BY_INDEX:
// a count beyond the code's cap makes the reply malformed, reported as
// length 0 rather than an error, since on the wire a corrupt count
// field is indistinguishable from any other malformed reply.
func ListReplyLength(v Version, c Code, count int) int {
	base, ok := ReplyLength(v, c)
	if !ok {
		return 0
	}
	switch c {
	case CodeManualList:
		if count < 0 || count > ManualListSampleCap {
			return 0
		}
		return base + count*manualListSampleSize
	case CodeClientAccesses:
		if count < 0 || count > ClientAccessCap {
			return 0
		}
		return base + count*clientAccessSize
	default:
		return base
	}
}

// PadReply right-pads buf with zero bytes out to length, or truncates
// it if it's already longer — the fixed-length framing rule applies
// symmetrically to requests and replies (spec.md §4.7).
func PadReply(buf []byte, length int) []byte {
	if len(buf) >= length {
		return buf[:length]
	}
	out := make([]byte, length)
	copy(out, buf)
	return out
}
