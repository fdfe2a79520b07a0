package generation

import "strings"

// ClassifySubject maps the analysis text to a subject type. An explicit
// "subject type: person" marker, or "person" together with "human" or
// "face", wins; then an explicit pet marker or any pet keyword; otherwise
// other. Keyword matching is plain substring search on the lowercased
// text, so text mentioning both a person and a dog resolves to person
// only when the person cues are present.
func ClassifySubject(analysis string) SubjectType {
	text := strings.ToLower(analysis)

	if strings.Contains(text, "subject type: person") ||
		(strings.Contains(text, "person") && (strings.Contains(text, "human") || strings.Contains(text, "face"))) {
		return SubjectPerson
	}

	if strings.Contains(text, "subject type: pet") ||
		strings.Contains(text, "dog") ||
		strings.Contains(text, "cat") ||
		strings.Contains(text, "animal") ||
		strings.Contains(text, "pet") {
		return SubjectPet
	}

	return SubjectOther
}
