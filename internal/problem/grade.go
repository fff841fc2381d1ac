package problem

import "strings"

// Grade compares program stdout against the expected output line by
// line. The total is always the expected line count; extra output lines
// beyond it are ignored, missing ones count as failures.
func Grade(stdout, correctOutput string) (passed, total int, results []TestResult) {
	expected := splitLines(correctOutput)
	actual := splitLines(stdout)
	total = len(expected)
	results = make([]TestResult, 0, total)
	for i, want := range expected {
		got := ""
		if i < len(actual) {
			got = actual[i]
		}
		ok := got == want
		if ok {
			passed++
		}
		results = append(results, TestResult{Index: i + 1, Passed: ok, Expected: want, Actual: got})
	}
	return passed, total, results
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
