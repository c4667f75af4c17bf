package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldop-service/internal/domain/fieldop"
)

func newDefault(t *testing.T) *KeywordDetector {
	t.Helper()
	d, err := NewKeywordDetector(DefaultPatterns)
	require.NoError(t, err)
	return d
}

func TestDetectPreservesTimestamps(t *testing.T) {
	d := newDefault(t)

	events := d.Detect([]fieldop.Utterance{
		{Timestamp: 10.5, Text: "现在进行车号确认操作"},
		{Timestamp: 25.2, Text: "铁鞋设置手闸拧紧"},
		{Timestamp: 42.8, Text: "铁鞋撤除手闸松开"},
	})

	require.Len(t, events, 5)
	assert.Equal(t, fieldop.VehicleNumber, events[0].Operation)
	assert.Equal(t, 10.5, events[0].Timestamp)
	assert.Equal(t, "车号确认", events[0].MatchedText)

	for _, e := range events[1:3] {
		assert.Equal(t, fieldop.AntiRolling, e.Operation)
		assert.Equal(t, 25.2, e.Timestamp)
	}
	for _, e := range events[3:] {
		assert.Equal(t, fieldop.RemoveRolling, e.Operation)
		assert.Equal(t, 42.8, e.Timestamp)
	}
}

func TestDetectConfidenceIsLengthProportional(t *testing.T) {
	d := newDefault(t)

	events := d.Detect([]fieldop.Utterance{{Timestamp: 1, Text: "车号确认"}})
	require.Len(t, events, 1)
	assert.InDelta(t, 4.0/20.0, events[0].Confidence, 1e-9)

	assert.Equal(t, 1.0, Confidence("这是一个非常非常非常非常非常长的匹配文本内容啊"))
}

func TestDetectMultipleMatchesSameType(t *testing.T) {
	d := newDefault(t)

	events := d.Detect([]fieldop.Utterance{{Timestamp: 3, Text: "车号确认，再次车号确认"}})
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, fieldop.VehicleNumber, e.Operation)
		assert.Equal(t, 3.0, e.Timestamp)
	}
}

func TestDetectNoMatch(t *testing.T) {
	d := newDefault(t)

	assert.Empty(t, d.Detect([]fieldop.Utterance{{Timestamp: 1, Text: "今天天气不错"}}))
	assert.Empty(t, d.Detect(nil))
}

func TestDetectCaseInsensitive(t *testing.T) {
	d, err := NewKeywordDetector(map[fieldop.OperationType][]string{
		fieldop.VehicleNumber: {"check number"},
	})
	require.NoError(t, err)

	events := d.Detect([]fieldop.Utterance{{Timestamp: 7, Text: "CHECK NUMBER now"}})
	require.Len(t, events, 1)
	assert.Equal(t, "CHECK NUMBER", events[0].MatchedText)
}

func TestDetectToleratesUnorderedInput(t *testing.T) {
	d := newDefault(t)

	events := d.Detect([]fieldop.Utterance{
		{Timestamp: 30, Text: "松开手闸"},
		{Timestamp: 5, Text: "确认车号"},
	})
	require.Len(t, events, 2)
	assert.Equal(t, 30.0, events[0].Timestamp)
	assert.Equal(t, 5.0, events[1].Timestamp)
}

func TestNewKeywordDetectorRejectsBadConfig(t *testing.T) {
	_, err := NewKeywordDetector(map[fieldop.OperationType][]string{
		fieldop.AntiRolling: {"(unclosed"},
	})
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = NewKeywordDetector(map[fieldop.OperationType][]string{
		fieldop.Unknown: {"x"},
	})
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = NewKeywordDetector(map[fieldop.OperationType][]string{
		fieldop.AntiRolling: {""},
	})
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = NewKeywordDetector(nil)
	assert.ErrorIs(t, err, ErrInvalidPattern)
}
