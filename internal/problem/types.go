package problem

// Problem is one coding challenge. TestCases is the stdin block fed to
// the submission; CorrectOutput holds the expected stdout, one line per
// test case.
type Problem struct {
	ID            string            `yaml:"id" json:"id"`
	Title         string            `yaml:"title" json:"title"`
	Description   string            `yaml:"description" json:"description"`
	Difficulty    string            `yaml:"difficulty" json:"difficulty"`
	TestCases     string            `yaml:"test_cases" json:"testCases"`
	CorrectOutput string            `yaml:"correct_output" json:"correctOutput"`
	StarterCode   map[string]string `yaml:"starter_code" json:"starterCode"`
}

// TotalTests is the number of expected output lines.
func (p *Problem) TotalTests() int {
	return len(splitLines(p.CorrectOutput))
}

// Starter returns the starter code for a language, or "" when the
// problem has none for it.
func (p *Problem) Starter(language string) string {
	if p == nil || p.StarterCode == nil {
		return ""
	}
	return p.StarterCode[language]
}

// LanguageIDs maps supported language names to Judge0 language ids.
var LanguageIDs = map[string]int{
	"javascript": 63,
	"python":     71,
	"java":       62,
	"cpp":        54,
}

// TestResult is the per-case grading verdict.
type TestResult struct {
	Index    int    `json:"index"`
	Passed   bool   `json:"passed"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}
