package paths

import (
	"testing"
)

func TestCanonicalize(t *testing.T) {
	cases := [][2]string{
		{"", "/"},
		{"/", "/"},
		{"//", "/"},
		{"/a//b", "/a/b"},
		{"a/b", "/a/b"},
		{"/a/b/", "/a/b"},
		{"///x///y///", "/x/y"},
		{"/a/b/c", "/a/b/c"},
	}
	for _, c := range cases {
		if got := Canonicalize(c[0]); got != c[1] {
			t.Fatal("canonicalize", c[0], "got", got, "want", c[1])
		}
	}
	for _, c := range cases {
		if got := Canonicalize(c[1]); got != c[1] {
			t.Fatal("canonicalize not idempotent on", c[1], "got", got)
		}
	}
}

func TestIsParent(t *testing.T) {
	if !IsParent("/a", "/a/b") {
		t.Fatal("/a should parent /a/b")
	}
	if !IsParent("/a", "/a/b/c") {
		t.Fatal("/a should parent /a/b/c")
	}
	if !IsParent("/", "/a") {
		t.Fatal("root should parent /a")
	}
	// sibling with a shared string prefix is not a child
	if IsParent("/a", "/ab") {
		t.Fatal("/a must not parent /ab")
	}
	if IsParent("/a/b", "/a/b") {
		t.Fatal("a path is not its own parent")
	}
	if IsParent("/a/b", "/a") {
		t.Fatal("child does not parent its ancestor")
	}
}

func TestIsImmediateParent(t *testing.T) {
	if !IsImmediateParent("/a", "/a/b") {
		t.Fatal("/a immediately parents /a/b")
	}
	if IsImmediateParent("/a", "/a/b/c") {
		t.Fatal("/a does not immediately parent /a/b/c")
	}
	if !IsImmediateParent("/", "/a") {
		t.Fatal("root immediately parents /a")
	}
}

func TestDirnameBasename(t *testing.T) {
	if Dirname("/a/b/c") != "/a/b" {
		t.Fatal("dirname /a/b/c:", Dirname("/a/b/c"))
	}
	if Dirname("/a") != "/" {
		t.Fatal("dirname /a:", Dirname("/a"))
	}
	if Basename("/a/b/c") != "c" {
		t.Fatal("basename /a/b/c:", Basename("/a/b/c"))
	}
	if Basename("/") != "" {
		t.Fatal("basename root:", Basename("/"))
	}
}

func TestAppendSplit(t *testing.T) {
	if Append("/a/b", "c") != "/a/b/c" {
		t.Fatal("append:", Append("/a/b", "c"))
	}
	parts := Split("/a/b/c")
	if len(parts) != 3 || parts[0] != "a" || parts[2] != "c" {
		t.Fatal("split:", parts)
	}
	if len(Split("/")) != 0 {
		t.Fatal("split root should be empty")
	}
}

func TestGlob(t *testing.T) {
	if IsGlob("/a/b") {
		t.Fatal("/a/b is not a glob")
	}
	if !IsGlob("/a/*/c") || !IsGlob("/a/**") {
		t.Fatal("glob detection failed")
	}
	if GlobBase("/a/b/*/c") != "/a/b" {
		t.Fatal("glob base:", GlobBase("/a/b/*/c"))
	}

	match := []struct {
		pat, path string
		want      bool
	}{
		{"/a/*", "/a/b", true},
		{"/a/*", "/a/b/c", false},
		{"/a/**", "/a/b/c", true},
		{"/a/**", "/a", true},
		{"/a/**/z", "/a/z", true},
		{"/a/**/z", "/a/b/c/z", true},
		{"/a/**/z", "/a/b/c", false},
		{"/*/x", "/q/x", true},
		// wildcards are whole components, "b*" is a literal
		{"/a/b*", "/a/bcd", false},
		{"/a/b*", "/a/b*", true},
	}
	for _, m := range match {
		if got := GlobMatch(m.pat, m.path); got != m.want {
			t.Fatal("glob", m.pat, "vs", m.path, "got", got)
		}
	}
}
