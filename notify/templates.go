package notify

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// ErrUnknownTemplate signals an event type with no registered message.
var ErrUnknownTemplate = errors.New("notify: unknown template")

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

var templateSources = map[EventType][2]string{
	EventListingCreated: {
		"Your property at {{.address}} is now listed",
		"Hello {{.sellerName}},\n\nYour property at {{.address}} has been listed.\n" +
			"Use seller code {{.sellerCode}} to review and respond to offers:\n{{.baseURL}}/seller?listingId={{.listingId}}\n",
	},
	EventBuyerCodeIssued: {
		"Your access code for {{.address}}",
		"Hello {{.buyerName}},\n\nYour buyer code for {{.address}} is {{.code}}.\n" +
			"It is valid until {{.expiresAt}}. Use it to view the property and submit offers:\n" +
			"{{.baseURL}}/buyer?listingId={{.listingId}}\n",
	},
	EventOfferSubmitted: {
		"New offer on {{.address}}",
		"A new offer of {{.amount}} ({{.fundingType}}) was submitted by {{.buyerName}} for {{.address}}.\n",
	},
	EventOfferCountered: {
		"Counter offer on {{.address}}",
		"Hello {{.buyerName}},\n\nYour offer of {{.amount}} on {{.address}} received a counter offer of {{.counterOffer}}.\n" +
			"{{if .notes}}Notes: {{.notes}}\n{{end}}",
	},
	EventOfferAccepted: {
		"Offer accepted on {{.address}}",
		"The offer of {{.amount}} from {{.buyerName}} on {{.address}} has been accepted.\n",
	},
	EventOfferRejected: {
		"Offer update for {{.address}}",
		"Hello {{.buyerName}},\n\nYour offer of {{.amount}} on {{.address}} was not accepted.\n" +
			"{{if .notes}}Notes: {{.notes}}\n{{end}}",
	},
	EventOfferWithdrawn: {
		"Offer withdrawn on {{.address}}",
		"{{.buyerName}} withdrew their offer of {{.amount}} on {{.address}}.\n",
	},
}

// Renderer turns events into RFC 5322 messages.
type Renderer struct {
	from      string
	baseURL   string
	now       func() time.Time
	templates map[EventType]messageTemplate
}

func NewRenderer(from, baseURL string) (*Renderer, error) {
	r := &Renderer{
		from:      from,
		baseURL:   strings.TrimRight(baseURL, "/"),
		now:       time.Now,
		templates: make(map[EventType]messageTemplate, len(templateSources)),
	}
	for eventType, src := range templateSources {
		subject, err := template.New(string(eventType) + ".subject").Option("missingkey=zero").Parse(src[0])
		if err != nil {
			return nil, fmt.Errorf("notify: parse %s subject: %w", eventType, err)
		}
		body, err := template.New(string(eventType) + ".body").Option("missingkey=zero").Parse(src[1])
		if err != nil {
			return nil, fmt.Errorf("notify: parse %s body: %w", eventType, err)
		}
		r.templates[eventType] = messageTemplate{subject: subject, body: body}
	}
	return r, nil
}

// Render returns the subject and raw message for one recipient.
func (r *Renderer) Render(eventType EventType, to string, data map[string]string) (string, []byte, error) {
	tmpl, ok := r.templates[eventType]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, eventType)
	}

	vars := make(map[string]string, len(data)+1)
	for k, v := range data {
		vars[k] = v
	}
	vars["baseURL"] = r.baseURL

	var subject, body bytes.Buffer
	if err := tmpl.subject.Execute(&subject, vars); err != nil {
		return "", nil, fmt.Errorf("notify: render subject: %w", err)
	}
	if err := tmpl.body.Execute(&body, vars); err != nil {
		return "", nil, fmt.Errorf("notify: render body: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("To: " + to + "\r\n")
	sb.WriteString("From: " + r.from + "\r\n")
	sb.WriteString("Subject: " + subject.String() + "\r\n")
	sb.WriteString("Date: " + r.now().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))

	return subject.String(), []byte(sb.String()), nil
}
