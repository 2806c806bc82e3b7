package sessions

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/teamchat/pkg/api"
	"github.com/tinyland-inc/teamchat/pkg/chat"
)

func TestNewSessionsCommand(t *testing.T) {
	cmd := NewSessionsCommand()

	require.NotNil(t, cmd)

	assert.Equal(t, "sessions", cmd.Use)
	assert.Equal(t, "List chat sessions over HTTP", cmd.Short)
	assert.Empty(t, cmd.Aliases)
	assert.True(t, cmd.HasExample())

	assert.Nil(t, cmd.Run)
	assert.NotNil(t, cmd.RunE)

	assert.NotNil(t, cmd.Flags().Lookup("user"))
	assert.NotNil(t, cmd.Flags().Lookup("token"))
	assert.NotNil(t, cmd.Flags().Lookup("messages"))
}

func TestPrintSessions(t *testing.T) {
	color.NoColor = true
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	printSessions(&buf, []api.SessionRecord{
		{ID: "team_1", Kind: "group", Name: "Platform", LastActive: base},
		{ID: "e001_e003", Kind: "private", Name: "Carol", LastMessage: "got a minute?", LastActive: base.Add(time.Hour)},
	}, &api.Unread{Total: 4, Sessions: map[string]int{"team_1": 4}})

	out := buf.String()
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("e001_e003")), bytes.Index(buf.Bytes(), []byte("team_1")))
	assert.Contains(t, out, "Platform (4 unread)")
	assert.Contains(t, out, "    got a minute?")
	assert.Contains(t, out, "Total unread: 4")
}

func TestPrintSessions_Empty(t *testing.T) {
	var buf bytes.Buffer
	printSessions(&buf, nil, nil)
	assert.Equal(t, "No sessions.\n", buf.String())
}

func TestPrintMessages(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	printMessages(&buf, []chat.Message{
		{ID: "m1", SenderID: "e002", SenderName: "Bob", Content: "hi"},
		{ID: "m2", SenderID: "e003", Type: chat.MessageFile, Attachment: &chat.FileRef{Name: "plan.pdf"}},
	})
	out := buf.String()
	assert.Contains(t, out, "Bob: hi")
	assert.Contains(t, out, "e003: [file] plan.pdf")
}
