package match

import "testing"

func TestResult_LogLine(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		want   string
	}{
		{
			name:   "matched",
			result: NewResult("/in/a.jpg", 1, Score{Value: 0.95, ReferencePath: "/refs/2.jpg", ReferenceIndex: 1}, 0.8),
			want:   "Processed /in/a.jpg: matched, score=0.9500, reference=/refs/2.jpg",
		},
		{
			name:   "no face",
			result: NewResult("/in/b.jpg", 0, NoFaceScore(), 0.8),
			want:   "Processed /in/b.jpg: not_matched, score=no_face, reference=none",
		},
		{
			name:   "almost",
			result: NewResult("/in/c.jpg", 2, Score{Value: 0.75, ReferencePath: "/refs/1.jpg"}, 0.8),
			want:   "Processed /in/c.jpg: almost_matched, score=0.7500, reference=/refs/1.jpg",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.LogLine(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNewResult_NoFaceHasNoReference(t *testing.T) {
	r := NewResult("x.jpg", 0, NoFaceScore(), 0.5)
	if !r.NoFace || r.ReferencePath != "" || r.Score != 0 || r.Tier != NotMatched {
		t.Errorf("unexpected no-face result: %+v", r)
	}
}
