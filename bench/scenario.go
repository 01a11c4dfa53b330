package bench

import (
	"fmt"

	"github.com/alwitt/wsbench/wire"
)

// Scenario is one immutable workload pattern definition
type Scenario struct {
	// ID is the scenario ID as given on the command line
	ID int `json:"id" validate:"required,gte=1"`
	// Label is the human readable scenario description
	Label string `json:"label" validate:"required"`
	// Compare is the filter comparison mode used by the scenario
	Compare string `json:"compare" validate:"required,oneof=eq in"`
	// Cardinality is the number of distinct filter values per subscribe
	Cardinality int `json:"cardinality" validate:"required,gte=1"`
	// PeriodicUpdate indicates the filter is replaced on a fixed interval
	// while the session is active
	PeriodicUpdate bool `json:"periodic_update"`
}

// scenarioTable is the closed set of supported workload patterns
var scenarioTable = map[int]Scenario{
	1: {ID: 1, Label: "single equals filter", Compare: wire.CompareEquals, Cardinality: 1},
	2: {
		ID: 2, Label: "single equals filter with periodic update",
		Compare: wire.CompareEquals, Cardinality: 1, PeriodicUpdate: true,
	},
	3: {ID: 3, Label: "IN-set filter of 10", Compare: wire.CompareInSet, Cardinality: 10},
	4: {ID: 4, Label: "IN-set filter of 100", Compare: wire.CompareInSet, Cardinality: 100},
	5: {ID: 5, Label: "IN-set filter of 500", Compare: wire.CompareInSet, Cardinality: 500},
}

// GetScenario fetch the scenario definition for an ID
func GetScenario(id int) (Scenario, error) {
	scenario, ok := scenarioTable[id]
	if !ok {
		return Scenario{}, fmt.Errorf("unknown scenario ID %d", id)
	}
	return scenario, nil
}
