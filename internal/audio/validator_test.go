package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeflow/scribeflow/internal/errs"
)

func TestValidateMissingFile(t *testing.T) {
	_, err := Validate(context.Background(), filepath.Join(t.TempDir(), "nope.wav"))

	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, errs.NotFound, verr.Kind)
}

func TestValidateDirectory(t *testing.T) {
	_, err := Validate(context.Background(), t.TempDir())

	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, errs.Unreadable, verr.Kind)
}

func TestValidateEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := Validate(context.Background(), path)

	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, errs.Unreadable, verr.Kind)
	assert.Contains(t, verr.Error(), "empty")
}

func TestValidationErrorIsNotTransient(t *testing.T) {
	_, err := Validate(context.Background(), filepath.Join(t.TempDir(), "nope.wav"))
	require.Error(t, err)
	assert.False(t, errs.IsTransient(err), "validation failures must not be retried")
}

func TestFormatSupported(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"wav", true},
		{"mp3", true},
		{"flac", true},
		{"ogg", true},
		{"mov,mp4,m4a,3gp,3g2,mj2", true},
		{"matroska,webm", true},
		{"mp3,mp2", true}, // alias list containing a supported member
		{"avi", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, formatSupported(tc.name), "format %q", tc.name)
	}
}

func TestExceedsSoftLimit(t *testing.T) {
	assert.False(t, Metadata{SizeBytes: SoftSizeLimitBytes}.ExceedsSoftLimit())
	assert.True(t, Metadata{SizeBytes: SoftSizeLimitBytes + 1}.ExceedsSoftLimit())
}

func TestValidationErrorUnwrapsByKind(t *testing.T) {
	err := error(&errs.ValidationError{Kind: errs.NotFound, Path: "x"})
	var verr *errs.ValidationError
	assert.True(t, errors.As(err, &verr))
}
