package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/districtlink/internal/model"
)

func TestReadBaseline(t *testing.T) {
	loadedAt := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	input := `{
		"version": "2024",
		"entities": [
			{"id": " 4823640 ", "name": "Austin ISD", "region": "tx", "city": "Austin", "entity_type": "district", "enrollment": 73000},
			{"id": "4838730", "name": "Saint Jo ISD", "region": "TX"}
		]
	}`

	entities, version, err := readBaseline(strings.NewReader(input), loadedAt)
	require.NoError(t, err)

	assert.Equal(t, "2024", version)
	require.Len(t, entities, 2)
	assert.Equal(t, "4823640", entities[0].ID)
	assert.Equal(t, model.RegionCode("TX"), entities[0].Region)
	require.NotNil(t, entities[0].Enrollment)
	assert.Equal(t, 73000, *entities[0].Enrollment)
	assert.Equal(t, "2024", entities[1].Version)
	assert.Nil(t, entities[1].Enrollment)
	assert.Equal(t, loadedAt, entities[1].LoadedAt)
}

func TestReadBaseline_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing version", `{"entities": [{"id": "1", "name": "A", "region": "TX"}]}`},
		{"no entities", `{"version": "2024", "entities": []}`},
		{"missing id", `{"version": "2024", "entities": [{"name": "A", "region": "TX"}]}`},
		{"duplicate id", `{"version": "2024", "entities": [{"id": "1", "name": "A", "region": "TX"}, {"id": "1", "name": "B", "region": "TX"}]}`},
		{"unknown field", `{"version": "2024", "entities": [{"id": "1", "name": "A", "region": "TX", "state": "TX"}]}`},
		{"not json", `id,name,region`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := readBaseline(strings.NewReader(tt.input), time.Now())
			assert.ErrorIs(t, err, errInvalidImport)
		})
	}
}

func TestReadSourceRecords(t *testing.T) {
	ingestedAt := time.Date(2024, 9, 2, 12, 0, 0, 0, time.UTC)
	input := `{
		"source_url": "https://tea.example.org/districts.json",
		"records": [
			{"id": "tx-1", "name": "Austin Independent School District", "region": "TX", "external_id": "4823640",
			 "contact": {"admin_name": "Jane Doe", "admin_email": "jdoe@austinisd.example"}},
			{"name": "  ", "region": ""}
		]
	}`

	records, sourceURL, err := readSourceRecords(strings.NewReader(input), "batch-1", ingestedAt)
	require.NoError(t, err)

	assert.Equal(t, "https://tea.example.org/districts.json", sourceURL)
	require.Len(t, records, 2)

	assert.Equal(t, "tx-1", records[0].ID)
	assert.Equal(t, "batch-1", records[0].BatchID)
	assert.Equal(t, "4823640", records[0].ExternalID)
	assert.Equal(t, "Jane Doe", records[0].Contact.AdminName)
	assert.Equal(t, ingestedAt, records[0].IngestedAt)

	assert.NotEmpty(t, records[1].ID, "missing ids are generated")
	assert.Equal(t, "  ", records[1].Name, "names are kept as delivered")
}

func TestReadSourceRecords_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no records", `{"records": []}`},
		{"duplicate id", `{"records": [{"id": "a", "name": "A", "region": "TX"}, {"id": "a", "name": "B", "region": "TX"}]}`},
		{"unknown field", `{"records": [{"id": "a", "name": "A", "region": "TX", "nces_id": "1"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := readSourceRecords(strings.NewReader(tt.input), "batch-1", time.Now())
			assert.ErrorIs(t, err, errInvalidImport)
		})
	}
}
