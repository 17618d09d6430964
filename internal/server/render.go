package server

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"

	idx "github.com/proxpi/proxpi/internal/index"
)

type jsonMeta struct {
	APIVersion string `json:"api-version"`
}

type jsonProjectOut struct {
	Name string `json:"name"`
}

type jsonRootResponse struct {
	Meta     jsonMeta         `json:"meta"`
	Projects []jsonProjectOut `json:"projects"`
}

func writeRootJSON(w http.ResponseWriter, projects []idx.Project) error {
	w.Header().Set("Content-Type", mediaTypeSimpleJSON)

	out := jsonRootResponse{Meta: jsonMeta{APIVersion: apiVersion}, Projects: make([]jsonProjectOut, 0, len(projects))}
	for _, p := range projects {
		out.Projects = append(out.Projects, jsonProjectOut{Name: p.DisplayName})
	}
	return json.NewEncoder(w).Encode(out)
}

func writeRootHTML(w http.ResponseWriter, projects []idx.Project) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	var b strings.Builder
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html>\n<head>\n<meta name=\"pypi:repository-version\" content=\"%s\">\n<meta name=\"generator\" content=\"proxpi\">\n<title>Simple index</title>\n</head>\n<body>\n", apiVersion)
	for _, p := range projects {
		fmt.Fprintf(&b, "<a href=\"%s/\">%s</a>\n", html.EscapeString(p.Name), html.EscapeString(p.DisplayName))
	}
	b.WriteString("</body>\n</html>\n")

	_, err := w.Write([]byte(b.String()))
	return err
}

type jsonFileOut struct {
	Filename       string            `json:"filename"`
	URL            string            `json:"url"`
	Hashes         map[string]string `json:"hashes,omitempty"`
	RequiresPython string            `json:"requires-python,omitempty"`
	Yanked         interface{}       `json:"yanked,omitempty"`
	CoreMetadata   interface{}       `json:"core-metadata,omitempty"`
}

type jsonFilesResponse struct {
	Meta  jsonMeta      `json:"meta"`
	Name  string        `json:"name"`
	Files []jsonFileOut `json:"files"`
}

// tristateJSON renders a Tristate the way a Simple Repository JSON
// response encodes it: absent (nil, omitted), a hash-map value, a
// free-text value, or a bare boolean.
func tristateJSON(t idx.Tristate) interface{} {
	switch {
	case !t.Present:
		return nil
	case t.Hashes != nil:
		return t.Hashes
	case t.HasText:
		return t.Text
	default:
		return t.Bool
	}
}

func writeFilesJSON(w http.ResponseWriter, displayName string, files []idx.File) error {
	w.Header().Set("Content-Type", mediaTypeSimpleJSON)

	out := jsonFilesResponse{Meta: jsonMeta{APIVersion: apiVersion}, Name: displayName, Files: make([]jsonFileOut, 0, len(files))}
	for _, f := range files {
		jf := jsonFileOut{Filename: f.Name, URL: f.URL, Hashes: f.Hashes}
		if f.HasRequiresPython {
			jf.RequiresPython = f.RequiresPython
		}
		jf.Yanked = tristateJSON(f.Yanked)
		jf.CoreMetadata = tristateJSON(f.CoreMetadata)
		out.Files = append(out.Files, jf)
	}
	return json.NewEncoder(w).Encode(out)
}

func writeFilesHTML(w http.ResponseWriter, displayName string, files []idx.File) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	var b strings.Builder
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html>\n<head>\n<meta name=\"pypi:repository-version\" content=\"%s\">\n<meta name=\"generator\" content=\"proxpi\">\n<title>Links for %s</title>\n</head>\n<body>\n<h1>Links for %s</h1>\n",
		apiVersion, html.EscapeString(displayName), html.EscapeString(displayName))

	for _, f := range files {
		href := f.URL
		for algo, hex := range f.Hashes {
			href += "#" + algo + "=" + hex
			break // one fragment per URL; algorithm choice is upstream's
		}
		fmt.Fprintf(&b, "<a href=\"%s\"%s>%s</a>\n", html.EscapeString(href), fileAttrs(f), html.EscapeString(f.Name))
	}
	b.WriteString("</body>\n</html>\n")

	_, err := w.Write([]byte(b.String()))
	return err
}

func fileAttrs(f idx.File) string {
	var b strings.Builder
	if f.HasRequiresPython {
		fmt.Fprintf(&b, " data-requires-python=%q", f.RequiresPython)
	}
	writeTristateAttr(&b, "data-yanked", f.Yanked)
	writeTristateAttr(&b, "data-core-metadata", f.CoreMetadata)
	return b.String()
}

func writeTristateAttr(b *strings.Builder, key string, t idx.Tristate) {
	switch {
	case !t.Present:
		return
	case t.Hashes != nil:
		for algo, hex := range t.Hashes {
			fmt.Fprintf(b, " %s=%q", key, algo+"="+hex)
			return
		}
	case t.HasText:
		fmt.Fprintf(b, " %s=%q", key, t.Text)
	case t.Bool:
		fmt.Fprintf(b, " %s", key)
	}
}
