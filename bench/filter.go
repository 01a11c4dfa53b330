package bench

import (
	"github.com/alwitt/wsbench/token"
	"github.com/alwitt/wsbench/wire"
)

// filterKey is the message attribute every scenario filters on
const filterKey = "token_address"

// FilterGenerator produces subscription filter payloads per the scenario
// rule. Implementations must be safe to call concurrently from all sessions.
type FilterGenerator interface {
	// Generate produce a fresh filter. For fixed cardinality scenarios this
	// is called once per session at connect time; the periodic update
	// scenario calls it again on every update, and successive results carry
	// no relation to each other.
	Generate() wire.Filter
}

// filterGeneratorImpl implements FilterGenerator
type filterGeneratorImpl struct {
	scenario Scenario
	pool     *token.Pool
}

// DefineFilterGenerator create a filter generator for one scenario
func DefineFilterGenerator(scenario Scenario, pool *token.Pool) (FilterGenerator, error) {
	return &filterGeneratorImpl{scenario: scenario, pool: pool}, nil
}

// Generate produce a fresh filter per the scenario rule
func (g *filterGeneratorImpl) Generate() wire.Filter {
	if g.scenario.Cardinality == 1 {
		return wire.Filter{
			Key:     filterKey,
			Compare: g.scenario.Compare,
			Values:  []string{g.pool.Random()},
		}
	}
	return wire.Filter{
		Key:     filterKey,
		Compare: g.scenario.Compare,
		Values:  g.pool.RandomDistinct(g.scenario.Cardinality),
	}
}
