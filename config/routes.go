package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// RoutePolicy declares the rebalancing rule for one
// (origin, destination, asset) lane. Amounts are canonical 18-decimal units.
type RoutePolicy struct {
	Origin      uint64
	Destination uint64
	Asset       common.Address
	Maximum     *big.Int
	Reserve     *big.Int // nil when no reserve floor is declared
	Slippages   []int32  // basis points, one per preference
	Preferences []string // ordered bridge names to try
}

type routeYAML struct {
	Origin      uint64   `yaml:"origin"`
	Destination uint64   `yaml:"destination"`
	Asset       string   `yaml:"asset"`
	Maximum     string   `yaml:"maximum"`
	Reserve     string   `yaml:"reserve"`
	Slippages   []int32  `yaml:"slippages"`
	Preferences []string `yaml:"preferences"`
}

type routesYAML struct {
	Routes []routeYAML `yaml:"routes"`
}

// LoadRoutes reads and validates the route policy file against the chain
// registry. Every problem is reported in one aggregated error.
func LoadRoutes(path string, registry *Registry) ([]RoutePolicy, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open routes file: %w", err)
	}
	defer file.Close()

	raw := routesYAML{}
	if err := yaml.NewDecoder(file).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode routes file: %w", err)
	}
	return buildRoutes(raw, registry)
}

func buildRoutes(raw routesYAML, registry *Registry) ([]RoutePolicy, error) {
	var problems []error
	routes := make([]RoutePolicy, 0, len(raw.Routes))
	for i, rr := range raw.Routes {
		label := fmt.Sprintf("route %d (%d->%d)", i, rr.Origin, rr.Destination)
		policy := RoutePolicy{
			Origin:      rr.Origin,
			Destination: rr.Destination,
			Slippages:   append([]int32{}, rr.Slippages...),
		}
		for _, pref := range rr.Preferences {
			policy.Preferences = append(policy.Preferences, strings.TrimSpace(pref))
		}
		if rr.Origin == 0 || rr.Destination == 0 {
			problems = append(problems, fmt.Errorf("%s: origin and destination required", label))
		}
		if rr.Origin == rr.Destination {
			problems = append(problems, fmt.Errorf("%s: origin equals destination", label))
		}
		asset, err := parseAddress(rr.Asset)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: asset: %w", label, err))
		}
		policy.Asset = asset
		if registry != nil {
			if _, ok := registry.AssetByAddress(rr.Origin, asset); !ok {
				problems = append(problems, fmt.Errorf("%s: asset %s not configured on origin chain", label, asset.Hex()))
			}
			if _, ok := registry.Chain(rr.Destination); !ok {
				problems = append(problems, fmt.Errorf("%s: destination chain not configured", label))
			}
		}
		maximum, ok := new(big.Int).SetString(strings.TrimSpace(rr.Maximum), 10)
		if !ok || maximum.Sign() < 0 {
			problems = append(problems, fmt.Errorf("%s: invalid maximum %q", label, rr.Maximum))
		} else {
			policy.Maximum = maximum
		}
		if reserve := strings.TrimSpace(rr.Reserve); reserve != "" {
			parsed, ok := new(big.Int).SetString(reserve, 10)
			if !ok || parsed.Sign() < 0 {
				problems = append(problems, fmt.Errorf("%s: invalid reserve %q", label, rr.Reserve))
			} else {
				policy.Reserve = parsed
				if policy.Maximum != nil && parsed.Cmp(policy.Maximum) >= 0 {
					problems = append(problems, fmt.Errorf("%s: reserve must be below maximum", label))
				}
			}
		}
		if len(policy.Preferences) == 0 {
			problems = append(problems, fmt.Errorf("%s: at least one bridge preference required", label))
		}
		if len(policy.Slippages) != len(policy.Preferences) {
			problems = append(problems, fmt.Errorf("%s: %d slippages for %d preferences", label, len(policy.Slippages), len(policy.Preferences)))
		}
		for _, bps := range policy.Slippages {
			if bps < 0 || bps > 10_000 {
				problems = append(problems, fmt.Errorf("%s: slippage %d out of range", label, bps))
			}
		}
		for _, pref := range policy.Preferences {
			if pref == "" {
				problems = append(problems, fmt.Errorf("%s: empty bridge preference", label))
			}
		}
		routes = append(routes, policy)
	}
	if err := errors.Join(problems...); err != nil {
		return nil, fmt.Errorf("route policies invalid: %w", err)
	}
	return routes, nil
}

// ValidatePreferences checks every route preference against the set of
// registered bridge names. Unknown names are a startup configuration error.
func ValidatePreferences(routes []RoutePolicy, known func(name string) bool) error {
	var problems []error
	for i, route := range routes {
		for _, pref := range route.Preferences {
			if !known(pref) {
				problems = append(problems, fmt.Errorf("route %d (%d->%d): unknown bridge %q", i, route.Origin, route.Destination, pref))
			}
		}
	}
	return errors.Join(problems...)
}
