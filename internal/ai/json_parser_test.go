package ai

import (
	"strings"
	"testing"
)

type parsed struct {
	Summary string `json:"summary"`
	Count   int    `json:"count"`
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    parsed
		wantErr bool
	}{
		{
			name:  "plain JSON",
			input: `{"summary": "ok", "count": 2}`,
			want:  parsed{Summary: "ok", Count: 2},
		},
		{
			name:  "json code fence",
			input: "```json\n{\"summary\": \"fenced\", \"count\": 1}\n```",
			want:  parsed{Summary: "fenced", Count: 1},
		},
		{
			name:  "fence inside prose",
			input: "Here is the change:\n```\n{\"summary\": \"prose\"}\n```\nLet me know.",
			want:  parsed{Summary: "prose"},
		},
		{
			name:  "trailing comma",
			input: "{\"summary\": \"comma\", \"count\": 3,}",
			want:  parsed{Summary: "comma", Count: 3},
		},
		{
			name:  "comment lines",
			input: "{\n  // the summary\n  \"summary\": \"commented\"\n}",
			want:  parsed{Summary: "commented"},
		},
		{
			name:  "object in mixed content",
			input: "Sure! {\"summary\": \"mixed\", \"count\": 4} Hope that helps.",
			want:  parsed{Summary: "mixed", Count: 4},
		},
		{
			name:  "slashes inside a string value survive",
			input: `{"summary": "see https://example.com // not a comment"}`,
			want:  parsed{Summary: "see https://example.com // not a comment"},
		},
		{name: "empty", input: "   ", wantErr: true},
		{name: "no JSON", input: "I cannot help with that.", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse[parsed](tt.input, "test")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				if !strings.HasPrefix(err.Error(), "test: ") {
					t.Errorf("error should carry the context prefix: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseSizeLimit(t *testing.T) {
	_, err := Parse[parsed](strings.Repeat(" ", maxResponseSize+1), "big")
	if err == nil || !strings.Contains(err.Error(), "size limit") {
		t.Fatalf("expected size limit error, got %v", err)
	}
}
