package browser

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJoinCookies(t *testing.T) {
	require.Equal(t, "", JoinCookies(nil))
	require.Equal(t, "jlinksessionidx=abc123", JoinCookies([]Cookie{
		{Name: "jlinksessionidx", Value: "abc123"},
	}))

	joined := JoinCookies([]Cookie{
		{Name: "jlinksessionidx", Value: "abc123"},
		{Name: "JSESSIONID", Value: "deadbeef"},
		{Name: "CSEA", Value: "x"},
	})
	require.Equal(t, "jlinksessionidx=abc123; JSESSIONID=deadbeef; CSEA=x", joined)
	require.Regexp(t, regexp.MustCompile(`^[^=;]+=[^=;]*(; [^=;]+=[^=;]*)*$`), joined)
}

func TestResponseOk(t *testing.T) {
	require.False(t, (*Response)(nil).Ok())
	require.False(t, (&Response{Status: 302}).Ok())
	require.False(t, (&Response{Status: 500}).Ok())
	require.True(t, (&Response{Status: 200}).Ok())
	require.True(t, (&Response{Status: 204}).Ok())
}
