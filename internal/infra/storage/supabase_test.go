package storage

import (
	"testing"
	"time"
)

func TestCallObjectKey(t *testing.T) {
	started := time.Date(2026, 3, 9, 23, 30, 0, 0, time.FixedZone("CET", 3600))
	got := CallObjectKey("CA123", started, "transcript.enc")
	if got != "calls/2026/03/09/CA123/transcript.enc" {
		t.Fatalf("key = %s", got)
	}
}

func TestNewSupabaseStorage_Config(t *testing.T) {
	s, err := NewSupabaseStorage("", "", "")
	if err != nil || s != nil {
		t.Fatalf("unconfigured archive should be nil, got %v %v", s, err)
	}
	if _, err := NewSupabaseStorage("https://x.supabase.co", "", ""); err == nil {
		t.Fatalf("half configuration must fail")
	}
	var nilStorage *SupabaseStorage
	if err := nilStorage.Upload("k", "text/plain", nil); err == nil {
		t.Fatalf("nil storage upload must fail")
	}
}
