package friendlypage

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageDefaultBody(t *testing.T) {
	p := New()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	require.NoError(t, p.Serve(w))
	require.Contains(t, buf.String(), DefaultBody)
	require.Contains(t, buf.String(), "200 OK")
}

func TestPageCustomBodyAndEmptyReverts(t *testing.T) {
	p := New()
	p.SetBody("custom response")

	var buf bytes.Buffer
	require.NoError(t, p.Serve(bufio.NewWriter(&buf)))
	require.Contains(t, buf.String(), "custom response")
	require.NotContains(t, buf.String(), DefaultBody)

	p.SetBody("")

	buf.Reset()
	require.NoError(t, p.Serve(bufio.NewWriter(&buf)))
	require.Contains(t, buf.String(), DefaultBody)
}

func TestPageCustomHeaders(t *testing.T) {
	p := New()
	p.SetHeader("X-Fleet-Node", "node-1")

	var buf bytes.Buffer
	require.NoError(t, p.Serve(bufio.NewWriter(&buf)))
	require.Contains(t, buf.String(), "X-Fleet-Node: node-1\r\n")

	p.SetHeader("X-Fleet-Node", "")
	buf.Reset()
	require.NoError(t, p.Serve(bufio.NewWriter(&buf)))
	require.False(t, strings.Contains(buf.String(), "X-Fleet-Node"))
}
