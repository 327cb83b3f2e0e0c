package pages

import (
	"fmt"
	"regexp"
	"strconv"
)

// resolveUniqueTitle picks the title to store given the requested base title
// and the titles already used by active pages in scope.
//
// The plain base title is preferred whenever it is free; numbering is only
// introduced when the base itself collides, in which case the suffix starts
// at 2 and walks upward past numbers already taken by "base (N)" siblings.
// The base title is regexp-quoted before matching so titles containing
// metacharacters never corrupt the scan.
func resolveUniqueTitle(baseTitle string, existingTitles []string) string {
	suffixPattern := regexp.MustCompile(`^` + regexp.QuoteMeta(baseTitle) + ` \((\d+)\)$`)

	exactMatch := false
	usedNumbers := make(map[int]bool)
	for _, title := range existingTitles {
		if title == baseTitle {
			exactMatch = true
			continue
		}
		match := suffixPattern.FindStringSubmatch(title)
		if match == nil {
			continue
		}
		number, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		usedNumbers[number] = true
	}

	if !exactMatch {
		return baseTitle
	}

	candidate := 2
	for usedNumbers[candidate] {
		candidate++
	}
	return fmt.Sprintf("%s (%d)", baseTitle, candidate)
}
