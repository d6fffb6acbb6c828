package main

import (
	"strings"
	"testing"
)

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable([]string{"Key", "Label", "Year"}, [][]string{{"okr"}}, []columnAlignment{alignLeft, alignLeft, alignRight})
	if !strings.Contains(out, "okr") || !strings.Contains(strings.ToUpper(out), "YEAR") {
		t.Fatalf("unexpected table:\n%s", out)
	}
	if got := strings.Count(strings.Split(out, "\n")[3], "│"); got != 4 {
		t.Fatalf("expected padded row with 4 separators, got %d in %q", got, out)
	}
}

func TestRenderTableWrapsLongColumns(t *testing.T) {
	long := strings.Repeat("word ", 40)
	out := renderTable([]string{"#", "Reason"}, [][]string{{"1", long}}, nil, 1)
	for _, line := range strings.Split(out, "\n") {
		if len([]rune(line)) > wrapWidth+20 {
			t.Fatalf("line not wrapped: %q", line)
		}
	}
}

func TestRenderTableWithoutHeaders(t *testing.T) {
	if out := renderTable(nil, [][]string{{"x"}}, nil); out != "" {
		t.Fatalf("expected empty output, got %q", out)
	}
}
