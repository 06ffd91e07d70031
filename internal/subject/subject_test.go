package subject

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject_StringEncoding(t *testing.T) {
	assert.Equal(t, "user:alice", User("alice").String())
	assert.Equal(t, "group:engineers", Group("engineers").String())
	assert.Equal(t, "policy:workspace/ws-1/owner", Policy("workspace", "ws-1", "owner").String())
}

func TestParse_RoundTrip(t *testing.T) {
	for _, s := range []Subject{
		User("alice"),
		Group("engineers"),
		Policy("workspace", "ws-1", "owner"),
	} {
		parsed, err := Parse(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
}

// TestPurpose: Validates that the policy encoding stays lossless for a
// resource ID containing the "/" delimiter: the name splits off the
// right, the type off the left, and the ID is whatever lies between.
// Scope: Unit Test
// Expected: Parse(String()) reproduces the original PolicyRef instead of
// shifting path segments into the policy name.
func TestParse_PolicyResourceIDWithSlash(t *testing.T) {
	s := Policy("folder", "a/b", "owner")
	assert.Equal(t, "policy:folder/a/b/owner", s.String())

	parsed, err := Parse(s.String())
	require.NoError(t, err)
	assert.Equal(t, s, parsed)
	assert.Equal(t, "a/b", parsed.Policy.ResourceID)
	assert.Equal(t, "owner", parsed.Policy.PolicyName)
}

func TestValidName(t *testing.T) {
	for _, name := range []string{"engineers", "ws-1", "team.a", "a b"} {
		assert.True(t, ValidName(name), "name %q", name)
	}
	for _, name := range []string{"", "a/b", "a:b", "/", ":"} {
		assert.False(t, ValidName(name), "name %q", name)
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, encoded := range []string{
		"",
		"user:",
		"group:",
		"policy:workspace/ws-1",
		"policy://owner",
		"robot:r2d2",
	} {
		_, err := Parse(encoded)
		assert.Error(t, err, "input %q", encoded)
	}
}

func TestIsGroupLike(t *testing.T) {
	assert.False(t, User("alice").IsGroupLike())
	assert.True(t, Group("engineers").IsGroupLike())
	assert.True(t, Policy("workspace", "ws-1", "owner").IsGroupLike())
}
