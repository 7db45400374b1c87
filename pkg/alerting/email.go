/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package alerting

import (
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/seanly/NodeGuardian/pkg/config"
)

const smtpDialTimeout = 30 * time.Second

// emailChannel sends multipart (plain + HTML) mail over SMTP, with
// STARTTLS by default or implicit TLS when useSSL is set.
type emailChannel struct {
	cfg config.EmailConfig
}

func newEmailChannel(cfg config.EmailConfig) *emailChannel {
	return &emailChannel{cfg: cfg}
}

func (e *emailChannel) Send(ctx context.Context, alert *Alert) error {
	if e.cfg.SMTPServer == "" || len(e.cfg.To) == 0 {
		return fmt.Errorf("email channel selected but SMTP server or recipients not configured")
	}
	addr := fmt.Sprintf("%s:%d", e.cfg.SMTPServer, e.cfg.SMTPPort)

	dialer := &net.Dialer{Timeout: smtpDialTimeout}
	var conn net.Conn
	var err error
	if e.cfg.UseSSL {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: e.cfg.SMTPServer})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dialing SMTP server %s, %w", addr, err)
	}

	client, err := smtp.NewClient(conn, e.cfg.SMTPServer)
	if err != nil {
		conn.Close()
		return fmt.Errorf("starting SMTP session with %s, %w", addr, err)
	}
	defer client.Close()

	if !e.cfg.UseSSL && e.cfg.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: e.cfg.SMTPServer}); err != nil {
				return fmt.Errorf("negotiating STARTTLS with %s, %w", addr, err)
			}
		}
	}
	if e.cfg.Username != "" {
		auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.SMTPServer)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authenticating with %s, %w", addr, err)
		}
	}

	if err := client.Mail(e.cfg.From); err != nil {
		return fmt.Errorf("setting mail sender, %w", err)
	}
	for _, rcpt := range e.cfg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("adding recipient %s, %w", rcpt, err)
		}
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("opening SMTP data stream, %w", err)
	}
	if _, err := writer.Write(e.buildMessage(alert)); err != nil {
		writer.Close()
		return fmt.Errorf("writing mail body, %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("committing mail body, %w", err)
	}
	return client.Quit()
}

// buildMessage assembles a multipart/alternative message with a plain
// part and an HTML rendering of the same body.
func (e *emailChannel) buildMessage(alert *Alert) []byte {
	const boundary = "nodeguardian-alert-boundary"
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", alert.Subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n", boundary)
	msg.WriteString("\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(alert.Body)
	msg.WriteString("\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&msg, "<html><body><pre>%s</pre></body></html>\r\n", html.EscapeString(alert.Body))

	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return []byte(msg.String())
}
