package engine

import (
	"fmt"
	"strings"
)

// StrategySelector maps each operating system to exactly one creation
// strategy. The table is built once; ambiguity is reported when an OS is
// selected, never resolved by picking the first match.
type StrategySelector struct {
	table    map[OSKind]CreateStrategy
	problems map[OSKind]error
}

// NewStrategySelector checks every known OS against every strategy.
func NewStrategySelector(strategies ...CreateStrategy) *StrategySelector {
	s := &StrategySelector{
		table:    make(map[OSKind]CreateStrategy),
		problems: make(map[OSKind]error),
	}

	for _, os := range AllOSKinds() {
		var matches []CreateStrategy
		for _, strategy := range strategies {
			if strategy != nil && strategy.Accepts(os) {
				matches = append(matches, strategy)
			}
		}

		switch len(matches) {
		case 1:
			s.table[os] = matches[0]
		case 0:
			s.problems[os] = NewPermanentError(fmt.Sprintf("no creation strategy accepts os %s", os), nil).
				WithCode(ErrCodeConfiguration)
		default:
			names := make([]string, len(matches))
			for i, m := range matches {
				names[i] = m.Name()
			}
			s.problems[os] = NewPermanentError(
				fmt.Sprintf("multiple creation strategies accept os %s: %s", os, strings.Join(names, ", ")), nil,
			).WithCode(ErrCodeConfiguration)
		}
	}

	return s
}

// Select returns the strategy for os.
func (s *StrategySelector) Select(os OSKind) (CreateStrategy, error) {
	if err := os.Validate(); err != nil {
		return nil, NewPermanentError("cannot select creation strategy", err).WithCode(ErrCodeValidation)
	}
	if err, bad := s.problems[os]; bad {
		return nil, err
	}
	return s.table[os], nil
}

// Validate fails when any known OS has zero or several strategies.
func (s *StrategySelector) Validate() error {
	for _, os := range AllOSKinds() {
		if err, bad := s.problems[os]; bad {
			return err
		}
	}
	return nil
}
