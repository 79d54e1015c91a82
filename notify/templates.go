package notify

import (
	"strings"
	"text/template"
)

// Kind selects a notification template.
type Kind uint8

const (
	LoginAlert Kind = iota
	SignupVerification
	PasswordChanged
	PasswordReset
	EmailChange
	DeletionScheduled
	AccountRestored
)

// Data is the template input. Unused fields are ignored by a template.
type Data struct {
	Username string
	IP       string
	Location string
	Code     string
	Link     string
	Product  string
}

type tmpl struct {
	subject *template.Template
	body    *template.Template
}

var templates = map[Kind]tmpl{
	LoginAlert: {
		subject: parse("subject", "{{.Product}} Login"),
		body: parse("login_alert", `Hi {{.Username}},

Your account was just signed in to from {{.IP}}{{if .Location}} ({{.Location}}){{end}}.
If this was not you, change your password now.`),
	},
	SignupVerification: {
		subject: parse("subject", "Welcome to {{.Product}}"),
		body: parse("signup_verification", `Hi {{.Username}},

Your verification code is {{.Code}}.`),
	},
	PasswordChanged: {
		subject: parse("subject", "{{.Product}} Password Changed"),
		body: parse("password_changed", `Hi {{.Username}},

The password on your account was changed{{if .IP}} from {{.IP}}{{end}}.
If this was not you, reset your password now.`),
	},
	PasswordReset: {
		subject: parse("subject", "{{.Product}} Password Reset"),
		body: parse("password_reset", `Hi {{.Username}},

Use this link to choose a new password. It expires in 15 minutes.

{{.Link}}`),
	},
	EmailChange: {
		subject: parse("subject", "{{.Product}} Email Change"),
		body: parse("email_change", `Hi {{.Username}},

Your email change code is {{.Code}}.`),
	},
	DeletionScheduled: {
		subject: parse("subject", "{{.Product}} Account Deletion"),
		body: parse("deletion_scheduled", `Hi {{.Username}},

Your account is scheduled for deletion in 24 hours. Sign in and restore it to cancel.`),
	},
	AccountRestored: {
		subject: parse("subject", "Welcome back to {{.Product}}"),
		body: parse("account_restored", `Hi {{.Username}},

Your account deletion was cancelled.`),
	},
}

func parse(name, text string) *template.Template {
	return template.Must(template.New(name).Parse(text))
}

// Render builds the message of kind for the recipient.
func Render(kind Kind, toName, to string, data Data) (Message, error) {
	t, ok := templates[kind]
	if !ok {
		return Message{}, errUnknownKind
	}

	var subject strings.Builder
	if err := t.subject.Execute(&subject, data); err != nil {
		return Message{}, err
	}
	var body strings.Builder
	if err := t.body.Execute(&body, data); err != nil {
		return Message{}, err
	}

	return Message{ToName: toName, To: to, Subject: subject.String(), Body: body.String()}, nil
}
