package s3

import (
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	ts := time.Date(2025, 6, 1, 23, 30, 0, 0, time.FixedZone("UTC+2", 2*60*60))

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{
			name:     "default template",
			template: "{date}/{id}.jsonl.gz",
			want:     "2025/06/01/batch-1.jsonl.gz",
		},
		{
			name:     "custom prefix",
			template: "cold/{date}/events-{id}.jsonl.gz",
			want:     "cold/2025/06/01/events-batch-1.jsonl.gz",
		},
		{
			name:     "no placeholders",
			template: "flat.jsonl.gz",
			want:     "flat.jsonl.gz",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewArchiver(nil, &ArchiverConfig{PathTemplate: tt.template})
			if got := a.generateKey("batch-1", ts); got != tt.want {
				t.Errorf("generateKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGenerateKeyUsesUTCDate(t *testing.T) {
	// 23:30 UTC+2 is 21:30 UTC on the same day; 01:30 UTC+2 is the previous
	// day in UTC. Keys must partition on the UTC date.
	a := NewArchiver(nil, nil)
	ts := time.Date(2025, 6, 2, 1, 30, 0, 0, time.FixedZone("UTC+2", 2*60*60))
	want := "2025/06/01/batch-1.jsonl.gz"
	if got := a.generateKey("batch-1", ts); got != want {
		t.Errorf("generateKey() = %q, want %q", got, want)
	}
}
