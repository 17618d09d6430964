package index

// Tristate models an attribute that is either absent, present with no
// value (a bare boolean true), or present with a value — the tagged
// variant `Absent | TrueBare | WithValue(string|hashmap)` called for by
// the re-architecture guidance on dynamic attribute coercion.
type Tristate struct {
	Present bool // the attribute appeared at all

	Bool bool // the attribute appeared bare, with no value

	HasText bool // the attribute carried a free-text value (Text)
	Text    string

	Hashes map[string]string // the attribute carried a hash-map value
}

// Truthy reports whether the attribute should be treated as "set" for
// the purposes of yanked/core-metadata semantics: a bare true, a
// hash-map value, or any text value including an empty one — only an
// explicit `false` or a wholly absent attribute is not truthy.
func (t Tristate) Truthy() bool {
	if !t.Present {
		return false
	}

	return t.Bool || t.HasText || t.Hashes != nil
}

// File is an immutable artifact reference belonging to a Project. It is
// produced only by the HTML/JSON parsers and never mutated afterwards.
type File struct {
	Name string
	URL  string

	Hashes map[string]string

	HasRequiresPython bool
	RequiresPython    string

	Yanked       Tristate
	CoreMetadata Tristate
}

// Project is a package identified by its normalized name, owning an
// ordered sequence of Files in upstream-listed order.
type Project struct {
	Name        string // normalized
	DisplayName string
	Files       []File
}
