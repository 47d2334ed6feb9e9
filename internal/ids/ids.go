package ids

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
	err  error
)

// Init sets the snowflake node for this process. Later calls are no-ops.
func Init(nodeID int64) error {
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New returns a time-ordered id. It initializes node 1 if Init was never called.
func New() string {
	if err := Init(1); err != nil || node == nil {
		panic("ids: snowflake node unavailable")
	}
	return node.Generate().String()
}
