package planner

// route names the provider/model a category is sent to, plus an ordered
// list of fallback provider ids. Create does not read fallbacks: it calls
// model.Registry.GetWithFallback(provider), which follows the chain set on
// the Registry itself.
type route struct {
	provider  string
	model     string
	fallbacks []string
}

// routingTable maps each closed classification category to its route. It
// is a fixed table, not configuration: adding a category means adding a
// row here.
var routingTable = map[Category]route{
	CategorySimpleQuery:    {provider: "hosted", model: "small-fast", fallbacks: []string{"local"}},
	CategoryCodeGeneration: {provider: "hosted", model: "large-reasoning", fallbacks: []string{"local"}},
	CategoryCodeReview:     {provider: "hosted", model: "large-reasoning", fallbacks: []string{"local"}},
	CategoryResearch:       {provider: "hosted", model: "large-context", fallbacks: []string{"local"}},
	CategoryCreative:       {provider: "hosted", model: "large-reasoning", fallbacks: []string{"local"}},
	CategoryAnalysis:       {provider: "hosted", model: "large-context", fallbacks: []string{"local"}},
	CategoryGeneral:        {provider: "hosted", model: "default", fallbacks: []string{"local", "small"}},
}

// routeFor resolves a category's route, falling back to the general route
// for any category not present (should never happen given the closed set,
// but routingTable lookups stay defensive rather than panicking).
func routeFor(cat Category) route {
	if r, ok := routingTable[cat]; ok {
		return r
	}
	return routingTable[CategoryGeneral]
}
