// Package actions implements the action dispatcher: the two supported
// side-effect tools, save_to_external_notebook and dispatch_email. Failures
// here are recorded but never abort a mission.
package actions

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/marketpulse/missioncore/internal/config"
)

// ErrActionFailed is the tool-level failure kind the executor logs without
// aborting the mission.
type ErrActionFailed struct {
	Action string
	Cause  error
}

func (e *ErrActionFailed) Error() string {
	return fmt.Sprintf("action %q failed: %v", e.Action, e.Cause)
}

func (e *ErrActionFailed) Unwrap() error { return e.Cause }

// NotebookClient is the injected collaborator for save_to_external_notebook.
// The concrete page-formatter for the external notebook service is out of
// scope for this core; LoggingNotebookClient below is the default
// implementation for environments without notebook credentials configured.
type NotebookClient interface {
	SavePage(ctx context.Context, title, content string) (string, error)
}

// Dispatcher routes a named action plus its arguments to the matching
// side-effect handler and returns a short result description.
type Dispatcher struct {
	notebook NotebookClient
	smtp     config.SMTPConfig
}

// New constructs a Dispatcher. notebook may be a LoggingNotebookClient when
// no real notebook integration is configured.
func New(notebook NotebookClient, smtpCfg config.SMTPConfig) *Dispatcher {
	return &Dispatcher{notebook: notebook, smtp: smtpCfg}
}

// Dispatch routes to the named action. Unknown actions fail with
// ErrActionFailed rather than panicking, since plan steps come from an LLM
// and an unrecognized tool name is an expected, not exceptional, case.
func (d *Dispatcher) Dispatch(ctx context.Context, action string, args map[string]any) (string, error) {
	switch action {
	case "save_to_external_notebook":
		return d.saveToNotebook(ctx, args)
	case "dispatch_email":
		return d.dispatchEmail(ctx, args)
	default:
		return "", &ErrActionFailed{Action: action, Cause: fmt.Errorf("unknown action")}
	}
}

func (d *Dispatcher) saveToNotebook(ctx context.Context, args map[string]any) (string, error) {
	title, _ := args["title"].(string)
	content, _ := args["content"].(string)
	if title == "" || content == "" {
		return "", &ErrActionFailed{Action: "save_to_external_notebook", Cause: fmt.Errorf("title and content are required")}
	}
	pageURL, err := d.notebook.SavePage(ctx, title, content)
	if err != nil {
		return "", &ErrActionFailed{Action: "save_to_external_notebook", Cause: err}
	}
	return fmt.Sprintf("saved %q to notebook at %s", title, pageURL), nil
}

func (d *Dispatcher) dispatchEmail(_ context.Context, args map[string]any) (string, error) {
	to, _ := args["to"].(string)
	subject, _ := args["subject"].(string)
	body, _ := args["body"].(string)
	if to == "" || body == "" {
		return "", &ErrActionFailed{Action: "dispatch_email", Cause: fmt.Errorf("to and body are required")}
	}
	if d.smtp.Host == "" {
		return "", &ErrActionFailed{Action: "dispatch_email", Cause: fmt.Errorf("smtp is not configured")}
	}

	msg := fmt.Appendf(nil, "From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", d.smtp.From, to, subject, body)

	var auth smtp.Auth
	if d.smtp.Username != "" {
		auth = smtp.PlainAuth("", d.smtp.Username, d.smtp.Password, d.smtp.Host)
	}
	addr := fmt.Sprintf("%s:%d", d.smtp.Host, d.smtp.Port)
	if err := smtp.SendMail(addr, auth, d.smtp.From, []string{to}, msg); err != nil {
		return "", &ErrActionFailed{Action: "dispatch_email", Cause: err}
	}
	return fmt.Sprintf("email dispatched to %s", to), nil
}

// LoggingNotebookClient is the default NotebookClient used when no real
// notebook integration is configured: it records the save and returns a
// stub confirmation instead of failing the action outright.
type LoggingNotebookClient struct {
	Log func(title, content string)
}

func (c LoggingNotebookClient) SavePage(_ context.Context, title, content string) (string, error) {
	if c.Log != nil {
		c.Log(title, content)
	}
	return "local://notebook/" + title, nil
}
