package store_test

import (
	"testing"

	"github.com/warp/cultivation-engine/cultivation"
	"github.com/warp/cultivation-engine/cultivation/store"
	"github.com/warp/cultivation-engine/cultivation/store/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) cultivation.Store { return store.NewMemory() })
}
