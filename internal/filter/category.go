package filter

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Category is a named, toggleable group of path patterns
type Category struct {
	ID      uuid.UUID
	Name    string
	Enabled bool
	Paths   []string
}

// CategoryOverride is a project-level definition of, or change to, a category
type CategoryOverride struct {
	UniqueID string `toml:"UniqueId"`
	Name     string `toml:"Name"`
	Enable   *bool  `toml:"Enable"`
	Clear    bool   `toml:"Clear"`
	Paths    string `toml:"Paths"` // semicolon separated
}

var defaultCategories = []Category{
	{ID: uuid.MustParse("6703E989-D912-451D-93AD-B48DE748D282"), Name: "Content", Paths: []string{"*.uasset", "*.umap"}},
	{ID: uuid.MustParse("6507C2FB-19DD-403A-AFA3-BBF898248D5A"), Name: "Documentation", Paths: []string{"/Engine/Documentation/..."}},
	{ID: uuid.MustParse("FD7C716E-4BAD-43AE-8FAE-8748EF9EE44D"), Name: "Platform Support: Android", Paths: []string{"/Engine/Source/ThirdParty/.../Android/...", ".../Build/Android/PipelineCaches/..."}},
	{ID: uuid.MustParse("3299A73D-2176-4C0F-BC99-C1C6631AF6C4"), Name: "Platform Support: HTML5", Paths: []string{"/Engine/Source/ThirdParty/.../HTML5/...", "/Engine/Extras/ThirdPartyNotUE/emsdk/..."}},
	{ID: uuid.MustParse("176B2EB2-35F7-4E8E-B131-5F1C5F0959AF"), Name: "Platform Support: iOS", Paths: []string{"/Engine/Source/ThirdParty/.../IOS/...", ".../Build/IOS/PipelineCaches/..."}},
	{ID: uuid.MustParse("F44B2D25-CBC0-4A8F-B6B3-E4A8125533DD"), Name: "Platform Support: Linux", Paths: []string{"/Engine/Source/ThirdParty/.../Linux/..."}},
	{ID: uuid.MustParse("2AF45231-0D75-463B-BF9F-ABB3231091BB"), Name: "Platform Support: Mac", Paths: []string{"/Engine/Source/ThirdParty/.../Mac/...", ".../Build/Mac/PipelineCaches/..."}},
	{ID: uuid.MustParse("C8CB4934-ADE9-46C9-B6E3-61A659E1FAF5"), Name: "Platform Support: PS4", Paths: []string{".../PS4/..."}},
	{ID: uuid.MustParse("F8AE5AC3-DA2D-4719-BABF-8A90D878379E"), Name: "Platform Support: Switch", Paths: []string{".../Switch/..."}},
	{ID: uuid.MustParse("3788A0BC-188C-4A0D-950A-D68175F0D110"), Name: "Platform Support: tvOS", Paths: []string{"/Engine/Source/ThirdParty/.../TVOS/..."}},
	{ID: uuid.MustParse("1144E719-FCD7-491B-B0FC-8B4C3565BF79"), Name: "Platform Support: Win32", Paths: []string{"/Engine/Source/ThirdParty/.../Win32/..."}},
	{ID: uuid.MustParse("5206CCEE-9024-4E36-8B89-F5F5A7D288D2"), Name: "Platform Support: Win64", Paths: []string{"/Engine/Source/ThirdParty/.../Win64/..."}},
	{ID: uuid.MustParse("06887423-B094-4718-9B55-C7A21EE67EE4"), Name: "Platform Support: XboxOne", Paths: []string{".../XboxOne/..."}},
	{ID: uuid.MustParse("CFEC942A-BB90-4F0C-ACCF-238ECAAD9430"), Name: "Source Code", Paths: []string{"/Engine/Source/..."}},
}

// CategorySet holds categories keyed by id
type CategorySet map[uuid.UUID]*Category

// NewCategorySet returns the built-in categories with overrides applied in
// order. Overrides with an unparseable id are skipped; unknown ids define new
// categories.
func NewCategorySet(overrides []CategoryOverride) CategorySet {
	set := make(CategorySet, len(defaultCategories))
	for _, c := range defaultCategories {
		set[c.ID] = &Category{
			ID:      c.ID,
			Name:    c.Name,
			Enabled: true,
			Paths:   append([]string(nil), c.Paths...),
		}
	}

	for _, o := range overrides {
		id, err := uuid.Parse(o.UniqueID)
		if err != nil {
			continue
		}

		c, ok := set[id]
		if !ok {
			c = &Category{ID: id, Name: "Unnamed", Enabled: true}
			set[id] = c
		}

		if o.Clear {
			c.Paths = nil
		}
		if o.Name != "" {
			c.Name = o.Name
		}
		if o.Enable != nil {
			c.Enabled = *o.Enable
		}
		c.Paths = mergePaths(c.Paths, strings.Split(o.Paths, ";"))
	}

	return set
}

// mergePaths returns the sorted, de-duplicated union of both lists
func mergePaths(existing, added []string) []string {
	seen := make(map[string]bool, len(existing)+len(added))
	var out []string
	for _, p := range append(append([]string(nil), existing...), added...) {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Sorted returns the categories ordered by name
func (s CategorySet) Sorted() []*Category {
	out := make([]*Category, 0, len(s))
	for _, c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// View is the user's sync selection, at global and per-workspace scope
type View struct {
	GlobalView        []string
	GlobalExcluded    []uuid.UUID
	WorkspaceView     []string
	WorkspaceIncluded []uuid.UUID
	WorkspaceExcluded []uuid.UUID
}

// Excluded returns the ids of the categories that are filtered out. A
// category is excluded when it is excluded globally or disabled by default,
// unless the workspace includes it; workspace exclusions always apply.
func (s CategorySet) Excluded(v View) map[uuid.UUID]bool {
	excluded := make(map[uuid.UUID]bool)
	for id, c := range s {
		if !c.Enabled {
			excluded[id] = true
		}
	}
	for _, id := range v.GlobalExcluded {
		excluded[id] = true
	}
	for _, id := range v.WorkspaceIncluded {
		delete(excluded, id)
	}
	for _, id := range v.WorkspaceExcluded {
		excluded[id] = true
	}
	return excluded
}

// CombinedSyncFilter renders the rule lines used as the user sync filter:
// the view lines followed by an exclusion for every path of every excluded
// category.
func (s CategorySet) CombinedSyncFilter(v View) []string {
	var lines []string
	for _, line := range append(append([]string(nil), v.GlobalView...), v.WorkspaceView...) {
		line = strings.TrimSpace(line)
		if IsComment(line) {
			continue
		}
		lines = append(lines, line)
	}

	excluded := s.Excluded(v)
	for _, c := range s.Sorted() {
		if !excluded[c.ID] {
			continue
		}
		for _, p := range c.Paths {
			lines = append(lines, "-"+strings.TrimSpace(p))
		}
	}
	return lines
}

// IsComment reports whether a filter line carries no rule
func IsComment(line string) bool {
	line = strings.TrimSpace(line)
	return line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#")
}
