package prompt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAnswers(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "answers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAnswers(t *testing.T) {
	path := writeAnswers(t, `accept_legal: true
answers:
  DB_HOST: db.internal
  DB_PORT: 5432
  ENABLE_CACHE: yes
  DEBUG: false
`)
	af, err := LoadAnswers(path)
	require.NoError(t, err)
	ctx := context.Background()

	host, err := af.Text(ctx, "DB_HOST", "host?")
	require.NoError(t, err)
	assert.Equal(t, "db.internal", host)

	port, err := af.Password(ctx, "DB_PORT", "")
	require.NoError(t, err)
	assert.Equal(t, "5432", port)

	on, err := af.Confirm(ctx, "ENABLE_CACHE", "")
	require.NoError(t, err)
	assert.True(t, on)

	off, err := af.Confirm(ctx, "DEBUG", "")
	require.NoError(t, err)
	assert.False(t, off)

	missing, err := af.Confirm(ctx, "UNSET", "")
	require.NoError(t, err)
	assert.False(t, missing)

	_, err = af.Text(ctx, "UNSET", "")
	assert.ErrorIs(t, err, ErrNoAnswer)

	accepted, err := af.ShowLegal(ctx, "terms", true)
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestLoadAnswers_RejectsUnknownKeys(t *testing.T) {
	_, err := LoadAnswers(writeAnswers(t, "accept_legals: true\n"))
	assert.Error(t, err)
}

func TestLoadAnswers_LegalNotAccepted(t *testing.T) {
	af, err := LoadAnswers(writeAnswers(t, "answers: {}\n"))
	require.NoError(t, err)

	ok, err := af.ShowLegal(context.Background(), "terms", true)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = af.ShowLegal(context.Background(), "notice only", false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAnswersFile_BadBoolean(t *testing.T) {
	af := &AnswersFile{Answers: map[string]string{"FLAG": "maybe"}}
	_, err := af.Confirm(context.Background(), "FLAG", "")
	assert.Error(t, err)
}

func TestStatic_RecordsQuestions(t *testing.T) {
	s := &Static{Answers: map[string]string{"USER": "bob", "FLAG": "y"}}
	ctx := context.Background()

	v, err := s.Text(ctx, "USER", "who?")
	require.NoError(t, err)
	assert.Equal(t, "bob", v)

	b, err := s.Confirm(ctx, "FLAG", "")
	require.NoError(t, err)
	assert.True(t, b)

	_, err = s.Password(ctx, "SECRET", "")
	assert.ErrorIs(t, err, ErrNoAnswer)

	ok, err := s.ShowLegal(ctx, "license", true)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"USER", "FLAG", "SECRET"}, s.Asked)
	assert.Equal(t, []string{"license"}, s.Legal)
}
