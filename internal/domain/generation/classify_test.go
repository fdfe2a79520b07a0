package generation

import (
	"testing"
	"time"
)

func TestClassifySubject(t *testing.T) {
	tests := []struct {
		name     string
		analysis string
		want     SubjectType
	}{
		{"explicit person marker", "Subject Type: Person\nDescription: smiling", SubjectPerson},
		{"person with face cue", "A person with a round face", SubjectPerson},
		{"person with human cue", "This human person wears a hat", SubjectPerson},
		{"person without cue", "A person-sized teddy", SubjectOther},
		{"explicit pet marker", "Subject Type: pet", SubjectPet},
		{"dog keyword", "A fluffy dog on grass", SubjectPet},
		{"cat keyword", "Sleeping CAT", SubjectPet},
		{"animal keyword", "a small animal", SubjectPet},
		{"person and dog with face cue", "a person and their dog, face visible", SubjectPerson},
		{"person and dog without cue", "a person walking a dog", SubjectPet},
		{"substring match", "a vintage car with a scatter cushion", SubjectPet},
		{"nothing matches", "Subject Type: other\nDescription: a red mug", SubjectOther},
		{"empty", "", SubjectOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifySubject(tt.analysis); got != tt.want {
				t.Fatalf("ClassifySubject(%q) = %s, want %s", tt.analysis, got, tt.want)
			}
		})
	}
}

func TestIsStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g := &Generation{Status: StatusProcessing, UpdatedAt: now.Add(-6 * time.Minute)}
	if !g.IsStale(now, 5*time.Minute) {
		t.Fatal("expected stale")
	}
	if g.IsStale(now, 0) {
		t.Fatal("zero threshold must disable staleness")
	}
	g.Status = StatusFailed
	if g.IsStale(now, 5*time.Minute) {
		t.Fatal("terminal records are never stale")
	}
}
