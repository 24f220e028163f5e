package migrate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// LegacyProject is one project as the flat legacy store kept it.
type LegacyProject struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Story      string        `json:"story,omitempty"`
	SourceText string        `json:"sourceText,omitempty"`
	Style      string        `json:"style,omitempty"`
	Status     string        `json:"status,omitempty"`
	Progress   float64       `json:"progress,omitempty"`
	VideoURL   string        `json:"videoUrl,omitempty"`
	CreatedAt  Timestamp     `json:"createdAt"`
	UpdatedAt  Timestamp     `json:"updatedAt"`
	Scenes     []LegacyScene `json:"scenes,omitempty"`
}

// Text returns the story text under whichever key the legacy record used.
func (p *LegacyProject) Text() string {
	if p.SourceText != "" {
		return p.SourceText
	}
	return p.Story
}

// LegacyScene is a scene nested in a legacy project.
type LegacyScene struct {
	ID          string    `json:"id,omitempty"`
	Text        string    `json:"text"`
	ImagePrompt string    `json:"imagePrompt,omitempty"`
	Image       string    `json:"image,omitempty"`
	Duration    *float64  `json:"duration,omitempty"`
	CreatedAt   Timestamp `json:"createdAt"`
	UpdatedAt   Timestamp `json:"updatedAt"`
}

// Timestamp accepts an RFC 3339 string or epoch milliseconds. null, "" and
// 0 leave it zero.
type Timestamp struct {
	time.Time
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		ts.Time = time.Time{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			ts.Time = time.Time{}
			return nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			ts.Time = t.UTC()
			return nil
		}
		// Some exports quoted the epoch value.
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			ts.Time = epochMillis(ms)
			return nil
		}
		return fmt.Errorf("invalid timestamp %q", s)
	}

	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s", data)
	}
	ts.Time = epochMillis(int64(f))
	return nil
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.UTC().Format(time.RFC3339Nano))
}

func epochMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ReadLegacyFile reads a legacy export from path.
func ReadLegacyFile(path string) ([]LegacyProject, error) {
	// #nosec G304 - path comes from configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open legacy file: %w", err)
	}
	defer f.Close()

	projects, err := ReadLegacy(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return projects, nil
}

// ReadLegacy decodes any of the three legacy layouts: a document
// {"projects": [...]}, a bare array of projects, or one project per line.
func ReadLegacy(r io.Reader) ([]LegacyProject, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy data: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var projects []LegacyProject
		if err := json.Unmarshal(data, &projects); err != nil {
			return nil, fmt.Errorf("invalid project array: %w", err)
		}
		return projects, nil
	}

	var values []json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", len(values)+1, err)
		}
		values = append(values, v)
	}

	if len(values) == 1 {
		var doc struct {
			Projects *[]LegacyProject `json:"projects"`
		}
		if err := json.Unmarshal(values[0], &doc); err == nil && doc.Projects != nil {
			return *doc.Projects, nil
		}
	}

	projects := make([]LegacyProject, 0, len(values))
	for i, v := range values {
		var p LegacyProject
		if err := json.Unmarshal(v, &p); err != nil {
			return nil, fmt.Errorf("invalid project at record %d: %w", i+1, err)
		}
		projects = append(projects, p)
	}
	return projects, nil
}
