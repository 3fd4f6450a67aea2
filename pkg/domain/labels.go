package domain

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type Category string

const (
	CategoryExam       Category = "exam"
	CategoryQuiz       Category = "quiz"
	CategoryAssignment Category = "assignment"
	CategoryNotes      Category = "notes"
	CategoryGuide      Category = "guide"
	CategorySummary    Category = "summary"
	CategoryLab        Category = "lab"
	CategoryOther      Category = "other"
)

// Categories lists the accepted categories in display order.
var Categories = []Category{
	CategoryExam,
	CategoryQuiz,
	CategoryAssignment,
	CategoryNotes,
	CategoryGuide,
	CategorySummary,
	CategoryLab,
	CategoryOther,
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Keys are folded labels: lower case, no accents.
var categoryAliases = map[string]Category{
	"exam":        CategoryExam,
	"examen":      CategoryExam,
	"prueba":      CategoryExam,
	"certamen":    CategoryExam,
	"quiz":        CategoryQuiz,
	"control":     CategoryQuiz,
	"assignment":  CategoryAssignment,
	"homework":    CategoryAssignment,
	"tarea":       CategoryAssignment,
	"notes":       CategoryNotes,
	"apunte":      CategoryNotes,
	"apuntes":     CategoryNotes,
	"guide":       CategoryGuide,
	"guia":        CategoryGuide,
	"summary":     CategorySummary,
	"resumen":     CategorySummary,
	"lab":         CategoryLab,
	"laboratory":  CategoryLab,
	"laboratorio": CategoryLab,
	"other":       CategoryOther,
	"otro":        CategoryOther,
	"otros":       CategoryOther,
}

var difficultyAliases = map[string]Difficulty{
	"easy":    DifficultyEasy,
	"facil":   DifficultyEasy,
	"medium":  DifficultyMedium,
	"media":   DifficultyMedium,
	"medio":   DifficultyMedium,
	"hard":    DifficultyHard,
	"dificil": DifficultyHard,
}

var termPattern = regexp.MustCompile(`^\d{4}(-[12])?$`)

// ParseCategory matches a free-form label against the category enumeration,
// ignoring case and diacritics.
func ParseCategory(label string) (Category, bool) {
	c, ok := categoryAliases[FoldLabel(label)]
	return c, ok
}

// ParseDifficulty matches a free-form label against the difficulty enumeration.
func ParseDifficulty(label string) (Difficulty, bool) {
	d, ok := difficultyAliases[FoldLabel(label)]
	return d, ok
}

// ValidTerm reports whether label is YEAR or YEAR-1 / YEAR-2.
func ValidTerm(label string) bool {
	return termPattern.MatchString(label)
}

// FoldLabel lower-cases s, strips combining marks and collapses whitespace.
func FoldLabel(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = cases.Fold().String(folded)
	return strings.Join(strings.Fields(folded), " ")
}
