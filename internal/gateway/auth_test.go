package gateway

import (
	"testing"
	"time"
)

func TestJWTAuthenticator_IssueAndAuthenticate(t *testing.T) {
	a := NewJWTAuthenticator("test-secret")

	token, err := a.Issue("applicant-42", "applicant", time.Hour)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}

	p, err := a.Authenticate(token)
	if err != nil {
		t.Fatalf("authenticating issued token: %v", err)
	}
	if p.Subject != "applicant-42" {
		t.Errorf("subject = %q, want applicant-42", p.Subject)
	}
	if p.Role != "applicant" {
		t.Errorf("role = %q, want applicant", p.Role)
	}
}

func TestJWTAuthenticator_RejectsWrongSecret(t *testing.T) {
	a := NewJWTAuthenticator("test-secret")
	other := NewJWTAuthenticator("other-secret")

	token, err := other.Issue("applicant-42", "applicant", time.Hour)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}

	if _, err := a.Authenticate(token); err == nil {
		t.Error("token signed with a different secret should be rejected")
	}
}

func TestJWTAuthenticator_RejectsExpiredToken(t *testing.T) {
	a := NewJWTAuthenticator("test-secret")

	token, err := a.Issue("applicant-42", "applicant", -time.Minute)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}

	if _, err := a.Authenticate(token); err == nil {
		t.Error("expired token should be rejected")
	}
}

func TestJWTAuthenticator_RejectsGarbage(t *testing.T) {
	a := NewJWTAuthenticator("test-secret")

	if _, err := a.Authenticate("not-a-jwt"); err == nil {
		t.Error("malformed token should be rejected")
	}
}

func TestJWTAuthenticator_RequiresSubject(t *testing.T) {
	a := NewJWTAuthenticator("test-secret")

	token, err := a.Issue("", "applicant", time.Hour)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}

	if _, err := a.Authenticate(token); err == nil {
		t.Error("token without a subject should be rejected")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"bearer scheme", "Bearer abc.def.ghi", "abc.def.ghi"},
		{"empty header", "", ""},
		{"basic scheme", "Basic dXNlcjpwYXNz", ""},
		{"bare token", "abc.def.ghi", ""},
		{"trailing space", "Bearer abc ", "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BearerToken(tt.header); got != tt.want {
				t.Errorf("BearerToken(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestTopicForJob(t *testing.T) {
	got := TopicForJob("job-1")
	want := "/topic/applications/job-1/progress"
	if got != want {
		t.Errorf("TopicForJob = %q, want %q", got, want)
	}
	if !protectedTopic(got) {
		t.Error("application progress topics must require authentication")
	}
	if protectedTopic("/queue/whatever") {
		t.Error("non-topic destinations are not protected")
	}
}
