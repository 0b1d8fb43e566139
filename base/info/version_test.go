package info

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullVersion(t *testing.T) {
	t.Parallel()

	i := GetInfo()
	assert.Same(t, i, GetInfo())
	assert.NotEmpty(t, i.Commit)

	full := FullVersion()
	assert.Contains(t, full, i.Name+" "+i.Version)
	assert.Contains(t, full, "built with "+i.GoVersion)
}
