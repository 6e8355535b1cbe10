package stack

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Rutomatrix/scriptd/internal/model"
)

// UnitName appends .service to names without a unit type suffix.
func UnitName(name string) string {
	for _, suffix := range []string{".service", ".socket", ".target", ".timer", ".mount", ".path"} {
		if strings.HasSuffix(name, suffix) {
			return name
		}
	}
	return name + ".service"
}

// Order sorts units so that every unit comes after the units it depends on.
// Among units whose dependencies are satisfied, declaration order wins,
// which makes the result deterministic. Unknown dependencies, duplicates and
// cycles are configuration errors.
func Order(units []model.UnitDescriptor) ([]model.UnitDescriptor, error) {
	index := make(map[string]int, len(units))
	normalized := make([]model.UnitDescriptor, len(units))
	for i, u := range units {
		u.Name = UnitName(u.Name)
		if _, ok := index[u.Name]; ok {
			return nil, fmt.Errorf("stack.units: duplicate unit %s", u.Name)
		}
		index[u.Name] = i
		deps := make([]string, 0, len(u.DependsOn))
		for _, d := range u.DependsOn {
			deps = append(deps, UnitName(d))
		}
		u.DependsOn = deps
		normalized[i] = u
	}

	indegree := make([]int, len(units))
	dependents := make([][]int, len(units))
	for i, u := range normalized {
		for _, d := range u.DependsOn {
			j, ok := index[d]
			if !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", model.ErrUnknownDependency, u.Name, d)
			}
			if j == i {
				return nil, fmt.Errorf("%w: %s depends on itself", model.ErrDependencyCycle, u.Name)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var ready []int
	for i, n := range indegree {
		if n == 0 {
			ready = append(ready, i)
		}
	}
	ret := make([]model.UnitDescriptor, 0, len(units))
	for len(ready) > 0 {
		slices.Sort(ready)
		i := ready[0]
		ready = ready[1:]
		ret = append(ret, normalized[i])
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}

	if len(ret) != len(units) {
		var cycle []string
		for i, n := range indegree {
			if n > 0 {
				cycle = append(cycle, normalized[i].Name)
			}
		}
		return nil, fmt.Errorf("%w: %s", model.ErrDependencyCycle, strings.Join(cycle, ", "))
	}
	return ret, nil
}
