package planner

import "strings"

// classificationKeywords is the closed keyword table driving task
// classification. Checked in table order; the first category whose
// keyword list matches a substring of the lowercased task wins.
var classificationKeywords = []struct {
	category Category
	keywords []string
}{
	{CategoryCodeReview, []string{"review", "code review", "pull request", "diff", "lint"}},
	{CategoryCreative, []string{"write a story", "poem", "creative", "brainstorm", "imagine"}},
	{CategoryCodeGeneration, []string{"write code", "implement", "function", "refactor", "write a", "fix bug", "debug"}},
	{CategoryResearch, []string{"research", "investigate", "find out", "look up", "compare"}},
	{CategoryAnalysis, []string{"analyze", "analysis", "summarize", "evaluate", "statistics"}},
	{CategorySimpleQuery, []string{"what is", "who is", "when is", "define", "how many"}},
}

// classify assigns task to one of the seven closed categories. Keyword
// matching is case-insensitive substring matching over the table above;
// anything matching nothing classifies as CategoryGeneral.
func classify(task string) Category {
	lower := strings.ToLower(task)
	for _, entry := range classificationKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.category
			}
		}
	}
	return CategoryGeneral
}
