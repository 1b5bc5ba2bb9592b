package endpoint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTLS(t *testing.T) {
	ep, err := Parse("tls://hub.example:9443", "deadbeef")
	require.NoError(t, err)
	require.Equal(t, SchemeTLS, ep.Scheme)
	require.Equal(t, "hub.example:9443", ep.Authority)
	require.Equal(t, "deadbeef", ep.ExpectedPeerThumbprint)
	require.Equal(t, "tls://hub.example:9443", ep.String())
}

func TestParseHTTPSAliasesToTLS(t *testing.T) {
	ep, err := Parse("https://hub.example:9443", "")
	require.NoError(t, err)
	require.Equal(t, SchemeTLS, ep.Scheme)
}

func TestParseWSSSplitsHostAndPath(t *testing.T) {
	ep, err := Parse("wss://hub.example:9443/agents", "")
	require.NoError(t, err)
	require.Equal(t, SchemeWSS, ep.Scheme)
	require.Equal(t, "hub.example:9443", ep.Authority)
	require.Equal(t, "/agents", ep.Path)
	require.Equal(t, "wss://hub.example:9443/agents", ep.String())
}

func TestParseWSSDefaultsToRootPath(t *testing.T) {
	ep, err := Parse("wss://hub.example:9443", "")
	require.NoError(t, err)
	require.Equal(t, "/", ep.Path)
	require.Equal(t, "wss://hub.example:9443", ep.String())
}

func TestParseWSSRoundTripsThroughString(t *testing.T) {
	ep, err := Parse("wss://hub.example:9443/agents", "")
	require.NoError(t, err)

	reparsed, err := Parse(ep.String(), "")
	require.NoError(t, err)
	require.Equal(t, ep.Authority, reparsed.Authority)
	require.Equal(t, ep.Path, reparsed.Path)
}

func TestParsePoll(t *testing.T) {
	ep, err := Parse("poll://node-42", "")
	require.NoError(t, err)
	require.Equal(t, SchemePoll, ep.Scheme)
	require.Equal(t, "node-42", ep.Authority)
}

func TestParseRejectsUnknownScheme(t *testing.T) {
	_, err := Parse("ftp://hub.example", "")
	require.Error(t, err)
}

func TestParseRejectsMissingHost(t *testing.T) {
	_, err := Parse("tls://", "")
	require.Error(t, err)

	_, err = Parse("wss://", "")
	require.Error(t, err)

	_, err = Parse("poll://", "")
	require.Error(t, err)
}
