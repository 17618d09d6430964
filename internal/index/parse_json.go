package index

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/proxpi/proxpi/internal/normalize"
)

type jsonRootIndex struct {
	Projects []jsonProjectRef `json:"projects"`
}

type jsonProjectRef struct {
	Name string `json:"name"`
}

type jsonFileIndex struct {
	Name  string     `json:"name"`
	Files []jsonFile `json:"files"`
}

type jsonFile struct {
	Filename         string            `json:"filename"`
	URL              string            `json:"url"`
	Hashes           map[string]string `json:"hashes,omitempty"`
	RequiresPython   *string           `json:"requires-python,omitempty"`
	Yanked           json.RawMessage   `json:"yanked,omitempty"`
	CoreMetadata     json.RawMessage   `json:"core-metadata,omitempty"`
	DistInfoMetadata json.RawMessage   `json:"dist-info-metadata,omitempty"`
}

func parseRootJSON(r io.Reader) ([]Project, error) {
	var idx jsonRootIndex
	if err := json.NewDecoder(r).Decode(&idx); err != nil {
		return nil, fmt.Errorf("index: parsing root JSON listing: %w", err)
	}

	projects := make([]Project, 0, len(idx.Projects))
	for _, p := range idx.Projects {
		if p.Name == "" {
			continue
		}
		projects = append(projects, Project{
			Name:        normalize.Name(p.Name),
			DisplayName: p.Name,
		})
	}
	return projects, nil
}

func parseFilesJSON(r io.Reader, base *url.URL) ([]File, error) {
	var idx jsonFileIndex
	if err := json.NewDecoder(r).Decode(&idx); err != nil {
		return nil, fmt.Errorf("index: parsing file listing JSON: %w", err)
	}

	files := make([]File, 0, len(idx.Files))
	for _, jf := range idx.Files {
		if jf.Filename == "" || jf.URL == "" {
			continue
		}

		resolved, err := base.Parse(jf.URL)
		if err != nil {
			continue
		}

		f := File{
			Name:   jf.Filename,
			URL:    resolved.String(),
			Hashes: jf.Hashes,
		}
		if jf.RequiresPython != nil {
			f.HasRequiresPython = true
			f.RequiresPython = *jf.RequiresPython
		}

		yanked, err := decodeTristate(jf.Yanked)
		if err != nil {
			return nil, fmt.Errorf("index: file %q: %w", jf.Filename, err)
		}
		f.Yanked = yanked

		coreMetadata, err := decodeTristate(jf.CoreMetadata)
		if err != nil {
			return nil, fmt.Errorf("index: file %q: %w", jf.Filename, err)
		}
		if !coreMetadata.Present {
			// data-dist-info-metadata legacy alias, only consulted when
			// core-metadata itself is absent.
			coreMetadata, err = decodeTristate(jf.DistInfoMetadata)
			if err != nil {
				return nil, fmt.Errorf("index: file %q: %w", jf.Filename, err)
			}
		}
		f.CoreMetadata = coreMetadata

		files = append(files, f)
	}
	return files, nil
}

// decodeTristate interprets a raw JSON value as used for the yanked and
// core-metadata fields: absent, a JSON boolean, a JSON string, or a
// JSON object mapping hash algorithm names to hex digests.
func decodeTristate(raw json.RawMessage) (Tristate, error) {
	if len(raw) == 0 {
		return Tristate{}, nil
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return Tristate{Present: true, Bool: b}, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return Tristate{Present: true, HasText: true, Text: s}, nil
	}

	var m map[string]string
	if err := json.Unmarshal(raw, &m); err == nil {
		return Tristate{Present: true, Hashes: m}, nil
	}

	return Tristate{}, fmt.Errorf("unsupported tri-state value %s", raw)
}
