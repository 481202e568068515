package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// EmailExecutor sends mail over SMTP. Transport details default from the
// worker's environment so node configs only carry message fields.
type EmailExecutor struct {
	defaultHost string
	defaultPort int
	defaultFrom string
}

func NewEmailExecutor(host string, port int, from string) *EmailExecutor {
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = 25
	}
	return &EmailExecutor{defaultHost: host, defaultPort: port, defaultFrom: from}
}

func (e *EmailExecutor) NodeType() string { return "email" }

type emailConfig struct {
	Host     string   `json:"host,omitempty"`
	Port     int      `json:"port,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	From     string   `json:"from,omitempty"`
	To       []string `json:"to"`
	Cc       []string `json:"cc,omitempty"`
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
	HTML     bool     `json:"html,omitempty"`
}

func (e *EmailExecutor) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	start := time.Now()

	var config emailConfig
	if err := json.Unmarshal(req.Config, &config); err != nil {
		return &ExecuteResponse{
			Error:    nonRetryableError("invalid email config: %v", err),
			Duration: time.Since(start),
		}, nil
	}
	if config.Host == "" {
		config.Host = e.defaultHost
	}
	if config.Port == 0 {
		config.Port = e.defaultPort
	}
	if config.From == "" {
		config.From = e.defaultFrom
	}
	if config.From == "" || len(config.To) == 0 {
		return &ExecuteResponse{
			Error:    nonRetryableError("email config requires from and to"),
			Duration: time.Since(start),
		}, nil
	}

	if replayMode(req) {
		// Mail has no replayable response body; a dry send keeps replay
		// runs side-effect free.
		output, _ := json.Marshal(map[string]any{"sent": false, "replayed": true})
		return &ExecuteResponse{Output: output, Duration: time.Since(start)}, nil
	}

	addr := net.JoinHostPort(config.Host, fmt.Sprintf("%d", config.Port))
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	recipients := append(append([]string{}, config.To...), config.Cc...)
	message := buildMessage(&config)

	if err := smtp.SendMail(addr, auth, config.From, recipients, message); err != nil {
		return &ExecuteResponse{
			Error:    retryableError("send mail via %s: %v", addr, err),
			Duration: time.Since(start),
		}, nil
	}

	output, _ := json.Marshal(map[string]any{
		"sent":       true,
		"recipients": recipients,
		"sent_at":    time.Now().UTC().Format(time.RFC3339),
	})
	return &ExecuteResponse{Output: output, Duration: time.Since(start)}, nil
}

func buildMessage(config *emailConfig) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", config.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(config.To, ", "))
	if len(config.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(config.Cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", config.Subject)
	if config.HTML {
		b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(config.Body)
	return []byte(b.String())
}
