package backport

import (
	"strings"
	"testing"
)

const twoRegionFile = `package main

<<<<<<< HEAD
const version = "1.2.0"
=======
const version = "2.0.0"
>>>>>>> abc1234 (bump version)

func main() {
<<<<<<< HEAD
	run(oldArgs)
=======
	run(newArgs)
>>>>>>> abc1234 (bump version)
}
`

func TestHasConflictMarkers(t *testing.T) {
	if !HasConflictMarkers(twoRegionFile) {
		t.Error("expected markers detected")
	}
	if HasConflictMarkers("package main\n\nfunc main() {}\n") {
		t.Error("clean file should have no markers")
	}
	if HasConflictMarkers("a\n=======\nb\n") {
		t.Error("a lone separator is not an opening marker")
	}
}

func TestParseConflictRegions(t *testing.T) {
	regions, err := ParseConflictRegions(twoRegionFile)
	if err != nil {
		t.Fatalf("ParseConflictRegions failed: %v", err)
	}
	if len(regions) != 2 {
		t.Fatalf("expected 2 regions, got %d", len(regions))
	}
	if regions[0].Ours != `const version = "1.2.0"` {
		t.Errorf("region 0 ours = %q", regions[0].Ours)
	}
	if regions[0].Theirs != `const version = "2.0.0"` {
		t.Errorf("region 0 theirs = %q", regions[0].Theirs)
	}
	if !strings.Contains(regions[1].Theirs, "newArgs") {
		t.Errorf("region 1 theirs = %q", regions[1].Theirs)
	}
}

func TestParseConflictRegions_Diff3BaseDropped(t *testing.T) {
	content := `<<<<<<< HEAD
ours line
||||||| merged common ancestors
base line
=======
theirs line
>>>>>>> abc1234
`
	regions, err := ParseConflictRegions(content)
	if err != nil {
		t.Fatalf("ParseConflictRegions failed: %v", err)
	}
	if len(regions) != 1 {
		t.Fatalf("expected 1 region, got %d", len(regions))
	}
	if regions[0].Ours != "ours line" || regions[0].Theirs != "theirs line" {
		t.Errorf("region = %+v", regions[0])
	}
	if strings.Contains(regions[0].Ours, "base") || strings.Contains(regions[0].Theirs, "base") {
		t.Error("base section should be dropped")
	}
}

func TestParseConflictRegions_Unterminated(t *testing.T) {
	if _, err := ParseConflictRegions("<<<<<<< HEAD\nours\n=======\ntheirs\n"); err == nil {
		t.Error("expected error for unterminated region")
	}
}

func TestParseConflictRegions_Nested(t *testing.T) {
	if _, err := ParseConflictRegions("<<<<<<< HEAD\n<<<<<<< other\n"); err == nil {
		t.Error("expected error for nested opening marker")
	}
}

func TestParseConflictRegions_NoRegions(t *testing.T) {
	if _, err := ParseConflictRegions("just text\n=======\nmore text\n"); err == nil {
		t.Error("expected error when no regions exist")
	}
}

func TestJoinSides(t *testing.T) {
	regions := []ConflictRegion{
		{Ours: "a", Theirs: "x"},
		{Ours: "b", Theirs: "y"},
	}
	if got := JoinOurs(regions); got != "a\nb" {
		t.Errorf("JoinOurs = %q", got)
	}
	if got := JoinTheirs(regions); got != "x\ny" {
		t.Errorf("JoinTheirs = %q", got)
	}
}
