package querystate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithModel(t *testing.T) {
	got, err := WithModel("http://localhost:8080/?lang=en#chat", "llama3:8b")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080/?lang=en&model=llama3%3A8b#chat", got)
	require.Equal(t, "llama3:8b", ModelFrom(got))

	replaced, err := WithModel(got, "mistral")
	require.NoError(t, err)
	require.Equal(t, "mistral", ModelFrom(replaced))

	cleared, err := WithModel(replaced, "")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080/?lang=en#chat", cleared)

	_, err = WithModel("http://[::1", "x")
	require.Error(t, err)
}

func TestSelect(t *testing.T) {
	models := []string{"a", "b", "c"}
	m, ok := Select("b", models)
	require.True(t, ok)
	require.Equal(t, "b", m)

	m, ok = Select("missing", models)
	require.True(t, ok)
	require.Equal(t, "a", m)

	m, ok = Select("", models)
	require.True(t, ok)
	require.Equal(t, "a", m)

	_, ok = Select("a", nil)
	require.False(t, ok)
}
