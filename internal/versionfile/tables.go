package versionfile

import (
	"fmt"
	"strings"
)

// Tables holds the replacements for each version file
type Tables struct {
	BuildVersion  []Replacement
	VersionHeader []Replacement
	ObjectVersion []Replacement
}

// For returns the replacements for one of Paths
func (t Tables) For(path string) []Replacement {
	switch path {
	case BuildVersionPath:
		return t.BuildVersion
	case VersionHeaderPath:
		return t.VersionHeader
	case ObjectVersionPath:
		return t.ObjectVersion
	}
	return nil
}

// BranchName renders a stream or branch path the way version files expect it
func BranchName(name string) string {
	return strings.ReplaceAll(name, "/", "+")
}

// ModularTables stamps Build.version with the synced and compatible
// revisions; the headers only carry the branch name
func ModularTables(revision, compatible int, branch string, licensee bool) Tables {
	licenseeFlag := "0,"
	if licensee {
		licenseeFlag = "1,"
	}
	return Tables{
		BuildVersion: []Replacement{
			{Prefix: `"Changelist":`, Suffix: fmt.Sprintf(" %d,", revision)},
			{Prefix: `"CompatibleChangelist":`, Suffix: fmt.Sprintf(" %d,", compatible)},
			{Prefix: `"BranchName":`, Suffix: fmt.Sprintf(" \"%s\"", BranchName(branch))},
			{Prefix: `"IsPromotedBuild":`, Suffix: " 0,"},
			{Prefix: `"IsLicenseeVersion":`, Suffix: licenseeFlag},
		},
		VersionHeader: []Replacement{
			{Prefix: "#define ENGINE_IS_PROMOTED_BUILD", Suffix: " (0)"},
			{Prefix: "#define BUILT_FROM_CHANGELIST", Suffix: " 0"},
			{Prefix: "#define BRANCH_NAME", Suffix: fmt.Sprintf(" \"%s\"", BranchName(branch))},
		},
	}
}

// LegacyTables stamps the compatible revision into the version header and
// the object version source; Build.version is restored unmodified
func LegacyTables(compatible int, branch string) Tables {
	defines := []Replacement{
		{Prefix: "#define ENGINE_VERSION", Suffix: fmt.Sprintf(" %d", compatible)},
		{Prefix: "#define ENGINE_IS_PROMOTED_BUILD", Suffix: " (0)"},
		{Prefix: "#define BUILT_FROM_CHANGELIST", Suffix: fmt.Sprintf(" %d", compatible)},
		{Prefix: "#define BRANCH_NAME", Suffix: fmt.Sprintf(" \"%s\"", BranchName(branch))},
	}
	return Tables{
		VersionHeader: defines,
		ObjectVersion: defines,
	}
}
