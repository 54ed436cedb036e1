package postgres_test

import (
	"testing"

	"github.com/phrazzld/taskforge/internal/platform/postgres"
	"github.com/phrazzld/taskforge/internal/task"
	"github.com/phrazzld/taskforge/internal/task/storetest"
	"github.com/phrazzld/taskforge/internal/testdb"
)

func TestTaskStore_Contract(t *testing.T) {
	db := testdb.Open(t)

	storetest.Run(t, func(t *testing.T) task.Store {
		testdb.Truncate(t, db)
		return postgres.NewTaskStore(db)
	})
}
