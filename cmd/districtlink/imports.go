package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/districtlink/internal/model"
)

var errInvalidImport = errors.New("invalid import file")

// baselineFile is the JSON layout accepted by "baseline import".
type baselineFile struct {
	Version  string          `json:"version"`
	Entities []baselineInput `json:"entities"`
}

type baselineInput struct {
	Enrollment *int   `json:"enrollment,omitempty"`
	ID         string `json:"id"`
	Name       string `json:"name"`
	Region     string `json:"region"`
	City       string `json:"city,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
}

// sourceFile is the JSON layout accepted by "batch import".
type sourceFile struct {
	SourceURL string        `json:"source_url,omitempty"`
	Records   []sourceInput `json:"records"`
}

type sourceInput struct {
	Enrollment *int          `json:"enrollment,omitempty"`
	Contact    model.Contact `json:"contact"`
	ID         string        `json:"id,omitempty"`
	Name       string        `json:"name"`
	Region     string        `json:"region"`
	ExternalID string        `json:"external_id,omitempty"`
	City       string        `json:"city,omitempty"`
}

func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errInvalidImport, err)
	}
	return nil
}

func openImport(path string) (*os.File, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

// readBaseline decodes a versioned baseline document. Every entity carries
// the document's version.
func readBaseline(r io.Reader, loadedAt time.Time) ([]model.BaselineEntity, string, error) {
	var doc baselineFile
	if err := decodeStrict(r, &doc); err != nil {
		return nil, "", err
	}

	version := strings.TrimSpace(doc.Version)
	if version == "" {
		return nil, "", fmt.Errorf("%w: version is required", errInvalidImport)
	}
	if len(doc.Entities) == 0 {
		return nil, "", fmt.Errorf("%w: no entities", errInvalidImport)
	}

	seen := make(map[string]bool, len(doc.Entities))
	entities := make([]model.BaselineEntity, 0, len(doc.Entities))
	for i, in := range doc.Entities {
		id := strings.TrimSpace(in.ID)
		switch {
		case id == "":
			return nil, "", fmt.Errorf("%w: entity %d has no id", errInvalidImport, i)
		case seen[id]:
			return nil, "", fmt.Errorf("%w: duplicate entity id %s", errInvalidImport, id)
		}
		seen[id] = true

		entities = append(entities, model.BaselineEntity{
			ID:         id,
			Name:       strings.TrimSpace(in.Name),
			Region:     model.NormalizeRegion(in.Region),
			City:       strings.TrimSpace(in.City),
			EntityType: strings.TrimSpace(in.EntityType),
			Enrollment: in.Enrollment,
			Version:    version,
			LoadedAt:   loadedAt,
		})
	}
	return entities, version, nil
}

// readSourceRecords decodes a delivery from a regional source. Records are
// kept as delivered; blank names and regions are left for the matcher to
// reject. Records without an id get a generated one.
func readSourceRecords(r io.Reader, batchID string, ingestedAt time.Time) ([]model.SourceRecord, string, error) {
	var doc sourceFile
	if err := decodeStrict(r, &doc); err != nil {
		return nil, "", err
	}
	if len(doc.Records) == 0 {
		return nil, "", fmt.Errorf("%w: no records", errInvalidImport)
	}

	seen := make(map[string]bool, len(doc.Records))
	records := make([]model.SourceRecord, 0, len(doc.Records))
	for _, in := range doc.Records {
		id := strings.TrimSpace(in.ID)
		if id == "" {
			id = uuid.NewString()
		}
		if seen[id] {
			return nil, "", fmt.Errorf("%w: duplicate record id %s", errInvalidImport, id)
		}
		seen[id] = true

		records = append(records, model.SourceRecord{
			ID:         id,
			BatchID:    batchID,
			Name:       in.Name,
			Region:     model.RegionCode(in.Region),
			ExternalID: strings.TrimSpace(in.ExternalID),
			City:       strings.TrimSpace(in.City),
			Enrollment: in.Enrollment,
			Contact:    in.Contact,
			IngestedAt: ingestedAt,
		})
	}
	return records, strings.TrimSpace(doc.SourceURL), nil
}
