package irc

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/callrelay/internal/alert"
	"github.com/soyeahso/callrelay/internal/config"
	"github.com/soyeahso/callrelay/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(nil, "silent")
}

func TestNew(t *testing.T) {
	s := New(config.IRCConfig{Server: "irc.libera.chat", Nick: "relaybot", Channels: []string{"#ops"}}, testLogger())
	assert.Equal(t, "irc", s.ID())
}

func TestStatus_NotStarted(t *testing.T) {
	s := New(config.IRCConfig{}, testLogger())
	status := s.Status()

	assert.Equal(t, "irc", status.SinkID)
	assert.False(t, status.Connected)
	assert.False(t, status.Running)
	assert.Empty(t, status.LastError)
}

func TestSend_NotConnected(t *testing.T) {
	s := New(config.IRCConfig{Channels: []string{"#ops"}}, testLogger())
	err := s.Send(context.Background(), alert.Alert{CallID: "call-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestStop_NotStarted(t *testing.T) {
	s := New(config.IRCConfig{}, testLogger())
	assert.NoError(t, s.Stop(context.Background()))
}

func TestDefaultPorts(t *testing.T) {
	assert.Equal(t, 6667, New(config.IRCConfig{}, testLogger()).port())
	assert.Equal(t, 6697, New(config.IRCConfig{UseTLS: true}, testLogger()).port())
	assert.Equal(t, 7000, New(config.IRCConfig{Port: 7000, UseTLS: true}, testLogger()).port())
}

func TestClientConfig(t *testing.T) {
	sasl := New(config.IRCConfig{Server: "irc.example.org", Nick: "bot", Password: "pw", SASL: true, UseTLS: true}, testLogger())
	gc := sasl.clientConfig()
	assert.Equal(t, "irc.example.org", gc.Server)
	assert.True(t, gc.SSL)
	require.NotNil(t, gc.TLSConfig)
	assert.Equal(t, "irc.example.org", gc.TLSConfig.ServerName)
	assert.NotNil(t, gc.SASL)
	assert.Empty(t, gc.ServerPass)

	plain := New(config.IRCConfig{Server: "irc.example.org", Nick: "bot", Password: "pw"}, testLogger())
	gc = plain.clientConfig()
	assert.Nil(t, gc.SASL)
	assert.Equal(t, "pw", gc.ServerPass)
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitMessage("hello", 400))
	assert.Equal(t, []string{"a", "b"}, splitMessage("a\n\nb", 400))

	long := strings.Repeat("x", 900)
	chunks := splitMessage(long, 400)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 400)
	assert.Len(t, chunks[2], 100)
	assert.Equal(t, []string{""}, splitMessage("", 400))
}
