package task_test

import (
	"testing"

	"github.com/phrazzld/taskforge/internal/task"
	"github.com/phrazzld/taskforge/internal/task/storetest"
)

func TestMemoryStore_Contract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) task.Store {
		return task.NewMemoryStore()
	})
}
