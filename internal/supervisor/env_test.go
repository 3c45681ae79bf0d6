package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeEnv(t *testing.T) {
	t.Parallel()

	ambient := []string{"PATH=/usr/bin", "HOME=/home/u", "MODEL=old"}

	t.Run("inherit with overrides", func(t *testing.T) {
		got := MergeEnv(ambient, map[string]string{"MODEL": "new", "EXTRA": "1"}, false)
		assert.Equal(t, []string{"PATH=/usr/bin", "HOME=/home/u", "EXTRA=1", "MODEL=new"}, got)
	})

	t.Run("isolated", func(t *testing.T) {
		got := MergeEnv(ambient, map[string]string{"ONLY": "this"}, true)
		assert.Equal(t, []string{"ONLY=this"}, got)
	})

	t.Run("isolated without overrides is empty not nil", func(t *testing.T) {
		got := MergeEnv(ambient, nil, true)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})
}
