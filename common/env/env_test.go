package env

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypedLookups(t *testing.T) {
	t.Setenv("BEDROCK_TEST_BOOL", "TRUE")
	t.Setenv("BEDROCK_TEST_INT", " 42 ")
	t.Setenv("BEDROCK_TEST_BAD_INT", "forty")
	t.Setenv("BEDROCK_TEST_FLOAT", "0.25")
	t.Setenv("BEDROCK_TEST_STRING", "us-east-1")

	require.True(t, Bool("BEDROCK_TEST_BOOL", false))
	require.True(t, Bool("BEDROCK_TEST_UNSET_BOOL", true))
	require.Equal(t, 42, Int("BEDROCK_TEST_INT", 0))
	require.Equal(t, 7, Int("BEDROCK_TEST_BAD_INT", 7))
	require.InDelta(t, 0.25, Float64("BEDROCK_TEST_FLOAT", 1), 1e-9)
	require.Equal(t, "us-east-1", String("BEDROCK_TEST_STRING", "us-west-2"))
	require.Equal(t, "us-west-2", String("BEDROCK_TEST_UNSET_STRING", "us-west-2"))
}
