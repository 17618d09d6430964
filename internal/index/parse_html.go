package index

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/proxpi/proxpi/internal/normalize"
)

// parseRootHTML walks every <a> element in the document — tolerating a
// missing <body>, malformed nesting, or extra markup around the
// listing, since Simple Repository servers are not uniformly strict
// about it — and returns one Project per anchor found.
func parseRootHTML(r io.Reader, base *url.URL) ([]Project, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("index: parsing root HTML listing: %w", err)
	}

	var projects []Project
	walkAnchors(doc, func(n *html.Node) {
		href, ok := attrVal(n, "href")
		if !ok {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}

		display := strings.TrimSpace(nodeText(n))
		if display == "" {
			return
		}
		projects = append(projects, Project{
			Name:        normalize.Name(display),
			DisplayName: display,
		})
		_ = resolved // root listing only needs the display name; the
		// per-project URL is derived from the name, not stored here.
	})

	return projects, nil
}

// parseFilesHTML walks every <a> element and builds a File per anchor,
// resolving hrefs against base and reading the data-requires-python,
// data-yanked, data-core-metadata and data-dist-info-metadata
// attributes per the Simple Repository HTML specification.
func parseFilesHTML(r io.Reader, base *url.URL) ([]File, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("index: parsing file listing HTML: %w", err)
	}

	var files []File
	walkAnchors(doc, func(n *html.Node) {
		href, ok := attrVal(n, "href")
		if !ok {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}

		name := strings.TrimSpace(nodeText(n))
		if name == "" {
			return
		}

		fragment := resolved.Fragment
		resolved.Fragment = ""

		f := File{
			Name:   name,
			URL:    resolved.String(),
			Hashes: parseFragmentHash(fragment),
		}

		if v, ok := attrVal(n, "data-requires-python"); ok {
			f.HasRequiresPython = true
			f.RequiresPython = html.UnescapeString(v)
		}

		f.Yanked = parseYankedAttr(n)
		f.CoreMetadata = parseCoreMetadataAttr(n)

		files = append(files, f)
	})

	return files, nil
}

func walkAnchors(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode && n.Data == "a" {
		fn(n)
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		walkAnchors(child, fn)
	}
}

func attrVal(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return b.String()
}

// parseFragmentHash reads a URL fragment of the form "<algo>=<hex>" as
// produced by Simple Repository file listings for artifact digests.
func parseFragmentHash(fragment string) map[string]string {
	algo, hex, ok := strings.Cut(fragment, "=")
	if !ok || algo == "" || hex == "" {
		return nil
	}
	return map[string]string{algo: hex}
}

// parseYankedAttr implements the yanked tri-state: a bare attribute is
// boolean true, any non-empty value is a free-text reason. An explicitly
// empty value parses the same as a bare attribute and is boolean true.
func parseYankedAttr(n *html.Node) Tristate {
	v, ok := findBareOrValued(n, "data-yanked")
	if !ok {
		return Tristate{}
	}
	if v == nil {
		return Tristate{Present: true, Bool: true}
	}
	return Tristate{Present: true, HasText: true, Text: html.UnescapeString(*v)}
}

// parseCoreMetadataAttr implements the core-metadata tri-state,
// preferring data-core-metadata over the legacy data-dist-info-metadata
// alias: a bare attribute is boolean true, a value of the form
// "<algo>=<hex>" is a hash map, anything else is dropped with the
// attribute treated as absent.
func parseCoreMetadataAttr(n *html.Node) Tristate {
	for _, key := range []string{"data-core-metadata", "data-dist-info-metadata"} {
		v, ok := findBareOrValued(n, key)
		if !ok {
			continue
		}
		if v == nil {
			return Tristate{Present: true, Bool: true}
		}
		if hashes := parseFragmentHash(*v); hashes != nil {
			return Tristate{Present: true, Hashes: hashes}
		}
		// present but neither bare nor a recognizable hash value: drop it.
		return Tristate{}
	}
	return Tristate{}
}

// findBareOrValued reports whether attribute key is present on n, and
// distinguishes a bare attribute (nil string) from one with a value.
func findBareOrValued(n *html.Node, key string) (*string, bool) {
	for _, a := range n.Attr {
		if a.Key != key {
			continue
		}
		if a.Val == "" {
			return nil, true
		}
		v := a.Val
		return &v, true
	}
	return nil, false
}
