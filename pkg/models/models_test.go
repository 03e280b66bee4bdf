package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() Record {
	return Record{
		Identifier:    "0f3a-77",
		SourceLocator: "https://site.test/tasks/0f3a-77",
		ExtractedAt:   time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		Sections: []Section{
			{Name: "general_info", Payload: map[string]string{"verdict": "Malicious activity"}},
			{Name: "ioc_details", Payload: map[string]interface{}{}, Err: "modal never opened"},
			{Name: "behavior_activities", Payload: []string{"drops file"}},
		},
	}
}

func TestRecordKeepsSectionOrder(t *testing.T) {
	b, err := json.Marshal(sampleRecord())
	require.NoError(t, err)

	s := string(b)
	gi := strings.Index(s, `"general_info"`)
	ioc := strings.Index(s, `"ioc_details"`)
	beh := strings.Index(s, `"behavior_activities"`)
	assert.True(t, gi < ioc && ioc < beh, s)
	assert.Contains(t, s, `"failed_sections":{"ioc_details":"modal never opened"}`)

	var back Record
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, "0f3a-77", back.Identifier)
	assert.Equal(t, "https://site.test/tasks/0f3a-77", back.SourceLocator)
	assert.True(t, back.ExtractedAt.Equal(sampleRecord().ExtractedAt))
	require.Len(t, back.Sections, 3)
	assert.Equal(t, "behavior_activities", back.Sections[2].Name)
	assert.Equal(t, []string{"ioc_details"}, back.Failed())
}

func TestRecordDecodeSection(t *testing.T) {
	b, err := json.Marshal(sampleRecord())
	require.NoError(t, err)
	var back Record
	require.NoError(t, json.Unmarshal(b, &back))

	var gi struct {
		Verdict string `json:"verdict"`
	}
	require.NoError(t, back.Decode("general_info", &gi))
	assert.Equal(t, "Malicious activity", gi.Verdict)

	var missing []string
	require.NoError(t, back.Decode("network_data", &missing))
	assert.Nil(t, missing)

	// Decode also works on a record that was never serialized.
	rec := sampleRecord()
	var acts []string
	require.NoError(t, rec.Decode("behavior_activities", &acts))
	assert.Equal(t, []string{"drops file"}, acts)
}

func TestReservedNames(t *testing.T) {
	assert.True(t, Reserved("identifier"))
	assert.True(t, Reserved("failed_sections"))
	assert.False(t, Reserved("general_info"))
}
