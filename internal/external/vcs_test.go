package external

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandVCSReportsErrorOutsideARepo(t *testing.T) {
	dir := t.TempDir()
	v := NewCommandVCS(dir)

	_, err := v.HeadCommit(context.Background())
	assert.Error(t, err)
}

func TestCommandVCSDir(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	v := NewCommandVCS(wd)
	assert.Equal(t, wd, v.Dir)
}
