package detect

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// MaxDiffSummary bounds the stored diff summary size.
const MaxDiffSummary = 4096

const truncationMark = "… [diff truncated]"

// DiffSummary produces a compact unified diff of two normalized contents,
// truncated at MaxDiffSummary characters. Empty before means no prior
// snapshot was available and an empty summary is returned.
func DiffSummary(before, after string) string {
	if before == "" {
		return ""
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "before",
		ToFile:   "after",
		Context:  2,
	})
	if err != nil {
		return ""
	}
	diff = strings.TrimSpace(diff)
	if len(diff) > MaxDiffSummary {
		cut := diff[:MaxDiffSummary]
		// Break at the last whole line.
		if idx := strings.LastIndexByte(cut, '\n'); idx > 0 {
			cut = cut[:idx]
		}
		diff = cut + "\n" + truncationMark
	}
	return diff
}
