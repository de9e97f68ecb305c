// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host       string
	Port       string
	Username   string
	Password   string
	From       string
	FromName   string
	EnableTLS  bool
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new email service
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)
	
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
		"From: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	// Simple multipart message
	boundary := "boundary-assura"
	
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")
	
	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")
	
	// HTML part
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// TemplateData holds data for email templates
type VerificationData struct {
	AppName string
	UserName string
	VerificationURL string
}

type PasswordResetData struct {
	AppName string
	UserName string
	ResetURL string
}

// SendVerificationEmail sends an email verification email
func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	data := VerificationData{
		AppName:         "Assura",
		UserName:        userName,
		VerificationURL: verificationURL,
	}

	subject := "Verify your Assura account"
	html, err := renderTemplate(verificationEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render verification template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendPasswordResetEmail sends a password reset email
func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	data := PasswordResetData{
		AppName:  "Assura",
		UserName: userName,
		ResetURL: resetURL,
	}

	subject := "Reset your Assura password"
	html, err := renderTemplate(passwordResetEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// ApprovalRequestData holds data for the approval request notification
type ApprovalRequestData struct {
	AppName       string
	ApproverName  string
	DocumentTitle string
	DocType       string
	VersionNumber int
	RequestedBy   string
	ReviewURL     string
}

// VersionIssuedData holds data for the version issued notification
type VersionIssuedData struct {
	AppName       string
	UserName      string
	DocumentTitle string
	DocType       string
	VersionNumber int
	IssuedBy      string
	DocumentURL   string
}

// SendApprovalRequestEmail notifies an approver that a draft awaits their decision
func (s *Service) SendApprovalRequestEmail(to, approverName, documentTitle, docType string, versionNumber int, requestedBy, reviewURL string) error {
	data := ApprovalRequestData{
		AppName:       "Assura",
		ApproverName:  approverName,
		DocumentTitle: documentTitle,
		DocType:       docType,
		VersionNumber: versionNumber,
		RequestedBy:   requestedBy,
		ReviewURL:     reviewURL,
	}

	subject := fmt.Sprintf("Approval requested: %s (v%d)", documentTitle, versionNumber)
	html, err := renderTemplate(approvalRequestEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render approval request template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendVersionIssuedEmail notifies a user that an assessment version was issued
func (s *Service) SendVersionIssuedEmail(to, userName, documentTitle, docType string, versionNumber int, issuedBy, documentURL string) error {
	data := VersionIssuedData{
		AppName:       "Assura",
		UserName:      userName,
		DocumentTitle: documentTitle,
		DocType:       docType,
		VersionNumber: versionNumber,
		IssuedBy:      issuedBy,
		DocumentURL:   documentURL,
	}

	subject := fmt.Sprintf("Issued: %s (v%d)", documentTitle, versionNumber)
	html, err := renderTemplate(versionIssuedEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render version issued template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const verificationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Verify your {{.AppName}} account</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0066cc; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>
    
    <h2>Welcome, {{.UserName}}!</h2>
    
    <p>Thank you for signing up. Please verify your email address to activate your account.</p>
    
    <p>
        <a href="{{.VerificationURL}}" class="button">Verify Email Address</a>
    </p>
    
    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.VerificationURL}}</p>
    
    <p>This verification link will expire in 24 hours.</p>
    
    <div class="footer">
        <p>If you didn't create an account with {{.AppName}}, you can safely ignore this email.</p>
    </div>
</body>
</html>`

const passwordResetEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Reset your {{.AppName}} password</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0066cc; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>
    
    <h2>Password Reset Request</h2>
    
    <p>Hi {{.UserName}},</p>
    
    <p>We received a request to reset your password. Click the button below to create a new password:</p>
    
    <p>
        <a href="{{.ResetURL}}" class="button">Reset Password</a>
    </p>
    
    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.ResetURL}}</p>
    
    <div class="warning">
        <strong>Important:</strong> This reset link will expire in 1 hour.
    </div>
    
    <div class="footer">
        <p>If you didn't request a password reset, you can safely ignore this email. Your password will remain unchanged.</p>
    </div>
</body>
</html>`

const approvalRequestEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Approval requested</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #b03030; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #b03030; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .meta { background: #f5f5f5; padding: 12px; border-radius: 4px; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Approval requested</h2>

    <p>Hi {{.ApproverName}},</p>

    <p>{{.RequestedBy}} has requested your approval on a draft assessment:</p>

    <div class="meta">
        <p><strong>{{.DocumentTitle}}</strong><br>
        {{.DocType}} &middot; Version {{.VersionNumber}}</p>
    </div>

    <p>
        <a href="{{.ReviewURL}}" class="button">Review Draft</a>
    </p>

    <div class="footer">
        <p>The draft cannot be issued until an approver has approved it.</p>
    </div>
</body>
</html>`

const versionIssuedEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Assessment issued</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #b03030; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #b03030; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .meta { background: #f5f5f5; padding: 12px; border-radius: 4px; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Assessment issued</h2>

    <p>Hi {{.UserName}},</p>

    <p>{{.IssuedBy}} has issued a new version of an assessment:</p>

    <div class="meta">
        <p><strong>{{.DocumentTitle}}</strong><br>
        {{.DocType}} &middot; Version {{.VersionNumber}}</p>
    </div>

    <p>
        <a href="{{.DocumentURL}}" class="button">View Issued Version</a>
    </p>

    <div class="footer">
        <p>The issued PDF is locked and checksum-verified. Any further changes require a new version.</p>
    </div>
</body>
</html>`
