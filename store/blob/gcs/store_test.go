package gcs

import "testing"

func TestPublicURL(t *testing.T) {
	s := &Store{bucket: "avatars", baseURL: publicBaseURL(&options{bucket: "avatars"})}
	if got := s.PublicURL("u1/1700000000000-abc.png"); got != "https://storage.googleapis.com/avatars/u1/1700000000000-abc.png" {
		t.Errorf("unexpected url %q", got)
	}

	s = &Store{bucket: "avatars", prefix: "prod", baseURL: publicBaseURL(&options{publicBaseURL: "https://cdn.educpro.test/"})}
	if got := s.PublicURL("a.png"); got != "https://cdn.educpro.test/prod/a.png" {
		t.Errorf("unexpected url %q", got)
	}
}

func TestBuildClientOptions(t *testing.T) {
	opts, err := buildClientOptions(&options{apiKey: "k", endpoint: "http://localhost:4443/storage/v1/"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(opts) != 2 {
		t.Errorf("expected api key and endpoint options, got %d", len(opts))
	}

	opts, err = buildClientOptions(&options{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(opts) != 0 {
		t.Errorf("expected ADC with no options, got %d", len(opts))
	}
}
