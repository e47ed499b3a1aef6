package processor

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	pageNumberRe = regexp.MustCompile(`^\s*\d+\s*$`)

	footerRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Сторінка\s+\d+\s+з\s+\d+`),
		regexp.MustCompile(`(?i)Page\s+\d+\s+of\s+\d+`),
		regexp.MustCompile(`(?m)^[ \t]*-[ \t]*\d+[ \t]*-[ \t]*$`),
	}

	headerRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Верховна\s+Рада`),
		regexp.MustCompile(`(?i)Кабінет\s+Міністрів`),
	}

	blankLinesRe = regexp.MustCompile(`\n(?:[ \t]*\n){2,}`)
	spacesRe     = regexp.MustCompile(`[ \t]{2,}`)
)

// ReferenceDetector decides where the trailing reference block of an act
// (amendment history, repeal notes) starts and ends.
type ReferenceDetector interface {
	// Opens reports whether the line starts a reference block.
	Opens(line string) bool
	// Closes reports whether the line ends an open reference block.
	// The closing line itself stays in the main text.
	Closes(line string) bool
}

// PhraseDetector recognizes reference blocks by their opening phrases
type PhraseDetector struct {
	Openers []*regexp.Regexp
	Closer  *regexp.Regexp
}

// NewPhraseDetector creates a detector for Ukrainian amendment notes
func NewPhraseDetector() *PhraseDetector {
	return &PhraseDetector{
		Openers: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^(?:Відомості|Інформація|Довідка).*?про.*?зміни`),
			regexp.MustCompile(`(?i)втратив.*?чинність`),
			regexp.MustCompile(`(?i)внесення.*?змін`),
		},
		Closer: regexp.MustCompile(`(?i)^(?:Розділ|Стаття|Частина)(?:\s|$)`),
	}
}

// Opens implements ReferenceDetector
func (d *PhraseDetector) Opens(line string) bool {
	line = strings.TrimSpace(line)
	for _, re := range d.Openers {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// Closes implements ReferenceDetector
func (d *PhraseDetector) Closes(line string) bool {
	line = strings.TrimSpace(line)
	return line == "" || d.Closer.MatchString(line)
}

// CleanStats reports how much text cleaning removed, in characters
type CleanStats struct {
	OriginalLength   int     `json:"original_length"`
	CleanedLength    int     `json:"cleaned_length"`
	ReductionChars   int     `json:"reduction_chars"`
	ReductionPercent float64 `json:"reduction_percent"`
}

// CleanResult is the output of TextCleaner.Clean
type CleanResult struct {
	Text           string
	ReferenceBlock string
	Stats          CleanStats
}

// TextCleaner strips layout noise from extracted legal texts
type TextCleaner struct {
	references ReferenceDetector
}

// CleanerOption configures a TextCleaner
type CleanerOption func(*TextCleaner)

// WithReferenceDetector replaces the default reference block rules
func WithReferenceDetector(d ReferenceDetector) CleanerOption {
	return func(c *TextCleaner) {
		c.references = d
	}
}

// NewTextCleaner creates a new text cleaner
func NewTextCleaner(opts ...CleanerOption) *TextCleaner {
	c := &TextCleaner{references: NewPhraseDetector()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Clean normalizes the text and removes page numbers, footers and repeated
// headers. When extractReference is set, the reference block is cut out of
// the main text and returned separately.
func (c *TextCleaner) Clean(text string, extractReference bool) CleanResult {
	original := utf8.RuneCountInString(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var reference string
	if extractReference && c.references != nil {
		text, reference = c.extractReferenceBlock(text)
	}

	text = removePageNumbers(text)
	text = removeFooters(text)
	text = dedupeHeaders(text)
	text = normalizeWhitespace(text)

	cleaned := utf8.RuneCountInString(text)
	stats := CleanStats{
		OriginalLength: original,
		CleanedLength:  cleaned,
		ReductionChars: original - cleaned,
	}
	if original > 0 {
		stats.ReductionPercent = float64(stats.ReductionChars) / float64(original) * 100
	}

	return CleanResult{
		Text:           text,
		ReferenceBlock: strings.TrimSpace(reference),
		Stats:          stats,
	}
}

// extractReferenceBlock moves every reference block line out of the text
func (c *TextCleaner) extractReferenceBlock(text string) (string, string) {
	lines := strings.Split(text, "\n")
	main := make([]string, 0, len(lines))
	var refs []string
	inBlock := false

	for _, line := range lines {
		if inBlock {
			if c.references.Closes(line) {
				inBlock = false
				main = append(main, line)
				continue
			}
			refs = append(refs, line)
			continue
		}
		if c.references.Opens(line) {
			inBlock = true
			refs = append(refs, line)
			continue
		}
		main = append(main, line)
	}

	return strings.Join(main, "\n"), strings.Join(refs, "\n")
}

func removePageNumbers(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if pageNumberRe.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func removeFooters(text string) string {
	for _, re := range footerRes {
		text = re.ReplaceAllString(text, "")
	}
	return text
}

// dedupeHeaders keeps only the first occurrence of each recognized header line
func dedupeHeaders(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	seen := make(map[string]bool)

	for _, line := range lines {
		if isHeader(line) {
			key := strings.ToLower(strings.Join(strings.Fields(line), " "))
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func isHeader(line string) bool {
	for _, re := range headerRes {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// normalizeWhitespace collapses blank line runs and repeated spaces
func normalizeWhitespace(text string) string {
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	text = spacesRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
