package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/manthysbr/callpipe/internal/core/domain"
	"github.com/manthysbr/callpipe/internal/core/ports"
	"gopkg.in/yaml.v3"
)

// SuiteFile is the fixture format read by suite import. JSON documents
// parse as YAML, so both encodings are accepted.
type SuiteFile struct {
	SuiteID string            `yaml:"suite_id"`
	Cases   []domain.TestCase `yaml:"cases"`
}

// ParseSuiteFile decodes fixtures. The document is either a SuiteFile or a
// bare list of cases. A non-empty suiteID overrides every case's suite.
// Cases without an id get "<suite>-<n>" in file order.
func ParseSuiteFile(data []byte, suiteID string) ([]domain.TestCase, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("fixture file is empty")
	}

	var file SuiteFile
	if data[0] == '[' || data[0] == '-' {
		if err := yaml.Unmarshal(data, &file.Cases); err != nil {
			return nil, fmt.Errorf("decode fixtures: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}

	if suiteID = strings.TrimSpace(suiteID); suiteID == "" {
		suiteID = strings.TrimSpace(file.SuiteID)
	}

	cases := make([]domain.TestCase, 0, len(file.Cases))
	for i, c := range file.Cases {
		if suiteID != "" {
			c.SuiteID = suiteID
		}
		c.ID = strings.TrimSpace(c.ID)
		c.AudioRef = strings.TrimSpace(c.AudioRef)
		switch {
		case c.SuiteID == "":
			return nil, fmt.Errorf("case %d: suite_id is required", i+1)
		case c.AudioRef == "":
			return nil, fmt.Errorf("case %d: audio_ref is required", i+1)
		case strings.TrimSpace(c.ExpectedTranscript) == "":
			return nil, fmt.Errorf("case %d: expected_transcript is required", i+1)
		case c.ExpectedDuration < 0:
			return nil, fmt.Errorf("case %d: expected_duration must not be negative", i+1)
		}
		if c.ID == "" {
			c.ID = fmt.Sprintf("%s-%d", c.SuiteID, i+1)
		}
		cases = append(cases, c)
	}
	if len(cases) == 0 {
		return nil, domain.ErrNoTestCases
	}
	return cases, nil
}

// ImportTestCases validates and upserts fixtures into store.
func ImportTestCases(ctx context.Context, store ports.SuiteStore, cases []domain.TestCase) (int, error) {
	seen := make(map[string]struct{}, len(cases))
	for _, c := range cases {
		if _, dup := seen[c.ID]; dup {
			return 0, fmt.Errorf("duplicate test case id %q", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	if err := store.SaveTestCases(ctx, cases); err != nil {
		return 0, fmt.Errorf("import test cases: %w", err)
	}
	return len(cases), nil
}
