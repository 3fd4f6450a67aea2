package domain

import "testing"

func TestParseCategoryIgnoresCaseAndAccents(t *testing.T) {
	cases := map[string]Category{
		"Guía":        CategoryGuide,
		"GUIA":        CategoryGuide,
		"  prueba ":   CategoryExam,
		"Examen":      CategoryExam,
		"Laboratorio": CategoryLab,
		"notes":       CategoryNotes,
	}
	for label, want := range cases {
		got, ok := ParseCategory(label)
		if !ok || got != want {
			t.Fatalf("ParseCategory(%q) = %q,%v want %q", label, got, ok, want)
		}
	}
	if _, ok := ParseCategory("poem"); ok {
		t.Fatalf("unknown label should not match")
	}
}

func TestParseDifficulty(t *testing.T) {
	if d, ok := ParseDifficulty("Difícil"); !ok || d != DifficultyHard {
		t.Fatalf("ParseDifficulty(Difícil) = %q,%v", d, ok)
	}
	if _, ok := ParseDifficulty("impossible"); ok {
		t.Fatalf("unknown difficulty should not match")
	}
}

func TestValidTerm(t *testing.T) {
	for _, ok := range []string{"2023", "2023-1", "2024-2"} {
		if !ValidTerm(ok) {
			t.Fatalf("ValidTerm(%q) = false", ok)
		}
	}
	for _, bad := range []string{"", "23-1", "2023-3", "2023-12", "2023/1", "primavera"} {
		if ValidTerm(bad) {
			t.Fatalf("ValidTerm(%q) = true", bad)
		}
	}
}

func TestMaterialVisibility(t *testing.T) {
	m := Material{Status: StatusPublic}
	if !m.VisibleToPublic() {
		t.Fatalf("public material should be visible")
	}
	m.Hidden = true
	if m.VisibleToPublic() {
		t.Fatalf("hidden material should not be visible")
	}
	m = Material{Status: StatusReview}
	if m.VisibleToPublic() {
		t.Fatalf("material under review should not be visible")
	}
}
