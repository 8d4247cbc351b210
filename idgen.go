package bunstore

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces a primary-key value for a document inserted without
// one. Generators are registered by name at database construction; index
// and collection configurations refer to them by that name only.
type IDGenerator func(c *Collection) string

// Built-in generator names.
const (
	GenCounter   = "counter"
	GenTimestamp = "timestamp"
	GenUUID      = "uuid"
)

func builtinGenerators() map[string]IDGenerator {
	return map[string]IDGenerator{
		GenCounter: func(c *Collection) string {
			return fmt.Sprintf("%d", c.list.NextCounter())
		},
		GenTimestamp: func(c *Collection) string {
			return fmt.Sprintf("%d", time.Now().UnixNano())
		},
		GenUUID: func(c *Collection) string {
			return uuid.NewString()
		},
	}
}

// newGeneratorRegistry merges the built-in generators with caller-supplied
// ones. Custom entries shadow built-ins of the same name.
func newGeneratorRegistry(custom map[string]IDGenerator) map[string]IDGenerator {
	reg := builtinGenerators()
	for name, gen := range custom {
		reg[name] = gen
	}
	return reg
}
