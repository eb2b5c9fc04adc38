package post

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	nodeOnce sync.Once
	node     *snowflake.Node
	nodeErr  error
	nodeID   int64
)

// SetNode selects the snowflake node id. It must be called before the first
// NewID call to take effect.
func SetNode(id int64) {
	nodeID = id
}

// NewID returns a time-ordered identifier. Identifiers generated later compare
// greater, so they double as a pagination tie-breaker.
func NewID() (int64, error) {
	nodeOnce.Do(func() {
		node, nodeErr = snowflake.NewNode(nodeID)
	})
	if nodeErr != nil {
		return 0, nodeErr
	}
	return node.Generate().Int64(), nil
}
