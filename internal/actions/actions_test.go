package actions

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpulse/missioncore/internal/config"
)

type fakeNotebook struct {
	url string
	err error
}

func (f fakeNotebook) SavePage(context.Context, string, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

func TestDispatch_UnknownActionFails(t *testing.T) {
	d := New(LoggingNotebookClient{}, config.SMTPConfig{})
	_, err := d.Dispatch(context.Background(), "not_a_real_action", nil)
	require.Error(t, err)
	var actionErr *ErrActionFailed
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "not_a_real_action", actionErr.Action)
}

func TestDispatch_SaveToNotebook_Success(t *testing.T) {
	d := New(fakeNotebook{url: "https://notebook.example/p/1"}, config.SMTPConfig{})
	out, err := d.Dispatch(context.Background(), "save_to_external_notebook", map[string]any{
		"title":   "bitcoin brief",
		"content": "the body",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "https://notebook.example/p/1")
}

func TestDispatch_SaveToNotebook_MissingFieldsFails(t *testing.T) {
	d := New(LoggingNotebookClient{}, config.SMTPConfig{})
	_, err := d.Dispatch(context.Background(), "save_to_external_notebook", map[string]any{"title": "only title"})
	require.Error(t, err)
}

func TestDispatch_SaveToNotebook_ClientErrorIsWrapped(t *testing.T) {
	d := New(fakeNotebook{err: fmt.Errorf("notebook unavailable")}, config.SMTPConfig{})
	_, err := d.Dispatch(context.Background(), "save_to_external_notebook", map[string]any{
		"title":   "t",
		"content": "c",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notebook unavailable")
}

func TestDispatch_Email_MissingSMTPConfigFails(t *testing.T) {
	d := New(LoggingNotebookClient{}, config.SMTPConfig{})
	_, err := d.Dispatch(context.Background(), "dispatch_email", map[string]any{
		"to":   "a@example.com",
		"body": "hello",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp is not configured")
}

func TestDispatch_Email_MissingFieldsFails(t *testing.T) {
	d := New(LoggingNotebookClient{}, config.SMTPConfig{Host: "smtp.example.com", Port: 587, From: "bot@example.com"})
	_, err := d.Dispatch(context.Background(), "dispatch_email", map[string]any{"subject": "no recipient"})
	require.Error(t, err)
}

func TestLoggingNotebookClient_InvokesLogAndReturnsStubURL(t *testing.T) {
	var gotTitle, gotContent string
	client := LoggingNotebookClient{Log: func(title, content string) {
		gotTitle, gotContent = title, content
	}}
	url, err := client.SavePage(context.Background(), "t", "c")
	require.NoError(t, err)
	assert.Equal(t, "local://notebook/t", url)
	assert.Equal(t, "t", gotTitle)
	assert.Equal(t, "c", gotContent)
}
