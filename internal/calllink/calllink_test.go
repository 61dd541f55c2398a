package calllink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildParseRoundTrip(t *testing.T) {
	for _, origin := range []string{"https://example.com", "p2pcall://join", "http://localhost:5173/"} {
		for _, id := range []string{"abc123", "0f8fad5b-d9cb-469f-a165-70867728950e", "with space&amp"} {
			link := Build(origin, id)
			got, err := Parse(link)
			require.NoError(t, err)
			assert.Equal(t, id, got, "link %q", link)
		}
	}
}

func TestBuildFormat(t *testing.T) {
	assert.Equal(t, "https://example.com?callId=abc", Build("https://example.com", "abc"))
}

func TestParse(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		want string
	}{
		{"no query means host", "https://example.com", ""},
		{"other params only", "https://example.com?foo=bar", ""},
		{"call id", "https://example.com?callId=xyz", "xyz"},
		{"call id among others", "https://example.com/?a=1&callId=xyz&b=2", "xyz"},
		{"fragment ignored", "https://example.com?callId=xyz#top", "xyz"},
		{"query only", "?callId=xyz", "xyz"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := Parse("https://example.com?callId=%zz")
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"bare id", "  abc123 ", "abc123", nil},
		{"full link", "https://example.com?callId=abc123", "abc123", nil},
		{"empty", "   ", "", ErrNoCallID},
		{"link without id", "https://example.com?foo=bar", "", ErrNoCallID},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Resolve(tc.input)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := Resolve("https://example.com?callId=a/b")
	assert.Error(t, err)
}
