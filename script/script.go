// Package script owns the server-side half of the protocol: the embedded
// Lua sources, the named script registry and the command dispatch table.
//
// Scripts run via EVALSHA with automatic SCRIPT LOAD fallback (go-redis
// Script). All commands of one logical operation are queued on a single
// pipeline and sent as one round trip; the store executes each script
// atomically, so no client-side locking is needed.
package script

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Command selects the odmrun entry point behavior.
//
// The wire protocol is positional: (command, metaInfoJSON, args...). The
// dispatch table below is the only place command names appear, so an
// unknown command cannot be constructed by callers.
type Command int

const (
	Query Command = iota
	Commit
	Load
	Delete
	Structure
	Aggregate
)

var commandNames = map[Command]string{
	Query:     "query",
	Commit:    "commit",
	Load:      "load",
	Delete:    "delete",
	Structure: "structure",
	Aggregate: "aggregate",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

//go:embed lua/tabletools.lua
var tabletools string

//go:embed lua/odm.lua
var odmSource string

//go:embed lua/move2set.lua
var move2setSource string

//go:embed lua/zdiffstore.lua
var zdiffstoreSource string

//go:embed lua/ts.lua
var tsSource string

//go:embed lua/numberarray.lua
var numberArrayLib string

// Registered scripts. Each is a go-redis Script: Run issues EVALSHA and
// falls back to EVAL on NOSCRIPT, so a cold script cache never fails a
// pipeline permanently.
var (
	// ODMRun is the multiplexed object-mapping entry point.
	ODMRun = redis.NewScript(tabletools + "\n" + odmSource)

	// Move2Set normalizes keys to one underlying type (set or zset)
	// ahead of native set algebra.
	Move2Set = redis.NewScript(move2setSource)

	// ZDiffStore is the sorted-set difference the store lacks natively.
	ZDiffStore = redis.NewScript(zdiffstoreSource)

	// TS is the timeseries structure entry point; ARGV[1] selects the
	// subcommand (add, exists, size, count, times, itimes, get, rank,
	// pop, ipop, range, irange, pop_range, ipop_range, stats, merge...).
	TS = redis.NewScript(tabletools + "\n" + tsSource)

	// Numeric array sub-protocol: resize, get/set (1-based), push_back,
	// all_raw. Split into per-operation scripts sharing the array lib,
	// so each invocation stays a single atomic step.
	NumberArrayResize = redis.NewScript(numberArrayLib +
		"\nreturn array.new(KEYS[1]):resize(unpack(ARGV))\n")
	NumberArrayAllRaw = redis.NewScript(numberArrayLib +
		"\nreturn array.new(KEYS[1]):all_raw()\n")
	NumberArrayGetSet = redis.NewScript(numberArrayLib + `
local a = array.new(KEYS[1])
if ARGV[1] == 'get' then
    return a:get(tonumber(ARGV[2]))
else
    a:set(tonumber(ARGV[2]), ARGV[3])
end
`)
	NumberArrayPushBack = redis.NewScript(numberArrayLib + `
local a = array.new(KEYS[1])
for _, v in ipairs(ARGV) do
    a:push_back(v)
end
`)
)

// All lists every registered script, for preloading.
func All() []*redis.Script {
	return []*redis.Script{
		ODMRun, Move2Set, ZDiffStore, TS,
		NumberArrayResize, NumberArrayAllRaw,
		NumberArrayGetSet, NumberArrayPushBack,
	}
}

var loadGroup singleflight.Group

// LoadAll preloads every registered script into the store's script cache
// with one pipelined SCRIPT LOAD per script. Concurrent callers against
// the same address are collapsed into a single load.
func LoadAll(ctx context.Context, client redis.UniversalClient, addr string) error {
	_, err, _ := loadGroup.Do(addr, func() (any, error) {
		pipe := client.Pipeline()
		for _, s := range All() {
			s.Load(ctx, pipe)
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}
