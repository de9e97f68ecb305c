package email

import (
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestRenderVerificationTemplate(t *testing.T) {
	data := VerificationData{
		AppName:         "Assura",
		UserName:        "Test User",
		VerificationURL: "https://example.com/verify?token=abc123",
	}

	html, err := renderTemplate(verificationEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Assura") {
		t.Error("template should contain app name")
	}
	if !strings.Contains(html, "Test User") {
		t.Error("template should contain user name")
	}
	if !strings.Contains(html, "https://example.com/verify?token=abc123") {
		t.Error("template should contain verification URL")
	}
}

func TestRenderPasswordResetTemplate(t *testing.T) {
	data := PasswordResetData{
		AppName:  "Assura",
		UserName: "Test User",
		ResetURL: "https://example.com/reset?token=xyz789",
	}

	html, err := renderTemplate(passwordResetEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Assura") {
		t.Error("template should contain app name")
	}
	if !strings.Contains(html, "Test User") {
		t.Error("template should contain user name")
	}
	if !strings.Contains(html, "https://example.com/reset?token=xyz789") {
		t.Error("template should contain reset URL")
	}
	if !strings.Contains(html, "1 hour") {
		t.Error("template should mention expiration time")
	}
}

func TestRenderApprovalRequestTemplate(t *testing.T) {
	data := ApprovalRequestData{
		AppName:       "Assura",
		ApproverName:  "Priya",
		DocumentTitle: "Riverside Mill FRA",
		DocType:       "FRA",
		VersionNumber: 3,
		RequestedBy:   "Avery",
		ReviewURL:     "https://example.com/documents/doc-3",
	}

	html, err := renderTemplate(approvalRequestEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Riverside Mill FRA") {
		t.Error("template should contain document title")
	}
	if !strings.Contains(html, "Version 3") {
		t.Error("template should contain version number")
	}
	if !strings.Contains(html, "Avery") {
		t.Error("template should contain requester name")
	}
	if !strings.Contains(html, "https://example.com/documents/doc-3") {
		t.Error("template should contain review URL")
	}
}

func TestRenderVersionIssuedTemplate(t *testing.T) {
	data := VersionIssuedData{
		AppName:       "Assura",
		UserName:      "Avery",
		DocumentTitle: "Riverside Mill FRA",
		DocType:       "FRA",
		VersionNumber: 2,
		IssuedBy:      "Priya",
		DocumentURL:   "https://example.com/documents/doc-2",
	}

	html, err := renderTemplate(versionIssuedEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Riverside Mill FRA") {
		t.Error("template should contain document title")
	}
	if !strings.Contains(html, "Version 2") {
		t.Error("template should contain version number")
	}
	if !strings.Contains(html, "checksum") {
		t.Error("template should mention the locked PDF")
	}
}
