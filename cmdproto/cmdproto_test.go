package cmdproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLengthKnownCode(t *testing.T) {
	length, ok := RequestLength(VersionCurrent, CodeTracking)
	assert.True(t, ok)
	assert.Equal(t, 20, length)
}

func TestRequestLengthUnknownVersion(t *testing.T) {
	_, ok := RequestLength(Version(99), CodeTracking)
	assert.False(t, ok)
}

func TestReplyLengthOlderVersionSubset(t *testing.T) {
	_, ok := ReplyLength(VersionOldest, CodeRTCReport)
	assert.False(t, ok, "RTC report did not exist at the oldest supported version")
}

func TestValidateRequestMismatchedLength(t *testing.T) {
	err := ValidateRequest(VersionCurrent, CodeSourceData, 10)
	assert.Error(t, err)
}

func TestValidateRequestExactLength(t *testing.T) {
	want, ok := RequestWireLength(VersionCurrent, CodeSourceData)
	require.True(t, ok)
	err := ValidateRequest(VersionCurrent, CodeSourceData, want)
	assert.NoError(t, err)
}

func TestValidateRequestRejectsUnpaddedLength(t *testing.T) {
	// CodeSourceData's reply (128 bytes) is larger than its unpadded
	// request (28 bytes), so at VersionPadding the bare unpadded length
	// must be rejected: a client has to send the padded wire length.
	err := ValidateRequest(VersionCurrent, CodeSourceData, 28)
	assert.Error(t, err)
}

func TestPaddingLengthBelowThresholdVersionIsZero(t *testing.T) {
	assert.Equal(t, 0, PaddingLength(VersionOldest, CodeNull))
}

func TestPaddingLengthMatchesReplyRequestGap(t *testing.T) {
	reqLen, _ := RequestLength(VersionCurrent, CodeTracking)
	replyLen, _ := ReplyLength(VersionCurrent, CodeTracking)
	assert.Equal(t, replyLen-reqLen, PaddingLength(VersionCurrent, CodeTracking))
}

func TestPaddingLengthNeverNegative(t *testing.T) {
	// CodeKeyGen's reply (20) is smaller than its request (24); the gap
	// must clamp to zero rather than go negative.
	assert.Equal(t, 0, PaddingLength(VersionCurrent, CodeKeyGen))
}

func TestListReplyLengthWithinCap(t *testing.T) {
	base, _ := ReplyLength(VersionCurrent, CodeManualList)
	got := ListReplyLength(VersionCurrent, CodeManualList, 3)
	assert.Equal(t, base+3*manualListSampleSize, got)
}

func TestListReplyLengthExceedsCapIsMalformed(t *testing.T) {
	got := ListReplyLength(VersionCurrent, CodeManualList, ManualListSampleCap+1)
	assert.Equal(t, 0, got)
}

func TestListReplyLengthClientAccessesExceedsCapIsMalformed(t *testing.T) {
	got := ListReplyLength(VersionCurrent, CodeClientAccesses, ClientAccessCap+1)
	assert.Equal(t, 0, got)
}

func TestPadReplyPadsShortBuffer(t *testing.T) {
	out := PadReply([]byte{1, 2, 3}, 8)
	assert.Len(t, out, 8)
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0}, out)
}

func TestPadReplyTruncatesLongBuffer(t *testing.T) {
	out := PadReply([]byte{1, 2, 3, 4, 5}, 3)
	assert.Equal(t, []byte{1, 2, 3}, out)
}
