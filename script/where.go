package script

import (
	_ "embed"
	"strings"

	"github.com/redis/go-redis/v9"
)

//go:embed lua/where.lua
var whereTemplate string

// Where builds the filter-pass script for a query's where clause. The
// clause is a Lua boolean expression over `this`, the instance attribute
// table (e.g. "tonumber(this.age) > 21").
//
// The script text varies per clause, so unlike the fixed entry points it
// is compiled per query; go-redis still caches it server-side by sha.
func Where(clause string) *redis.Script {
	return redis.NewScript(strings.Replace(whereTemplate, "__WHERE_CLAUSE__", clause, 1))
}
