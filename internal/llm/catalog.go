package llm

import (
	"fmt"
	"sort"
	"time"
)

// DataClass is the sensitivity classification of a request.
type DataClass string

const (
	DataStandard  DataClass = "standard"
	DataSensitive DataClass = "sensitive"
	DataPrivate   DataClass = "private"
)

// Strategy selects how eligible models are ordered.
type Strategy string

const (
	StrategyLowestCost     Strategy = "lowest_cost"
	StrategyLowestLatency  Strategy = "lowest_latency"
	StrategyHighestQuality Strategy = "highest_quality"
)

// Model describes one catalogue entry.
type Model struct {
	ID            string
	Provider      string
	ContextWindow int

	// Costs are USD per 1k tokens.
	CostPer1kInput  float64
	CostPer1kOutput float64

	// P50Latency is the expected median time to a full response.
	P50Latency time.Duration

	// Quality is a relative 0-100 ranking used for fallback ordering.
	Quality int

	// DataClasses lists the sensitivity levels this model may serve.
	// Private data never leaves for a hosted provider.
	DataClasses []DataClass

	SupportsStreaming  bool
	SupportsStructured bool
}

func (m Model) servesClass(dc DataClass) bool {
	for _, c := range m.DataClasses {
		if c == dc {
			return true
		}
	}
	return false
}


// Requirements constrain model selection for one request.
type Requirements struct {
	Strategy      Strategy
	DataClass     DataClass
	MinContext    int
	NeedStreaming bool
	NeedStructured bool
}

// ConfigurationError reports an unsatisfiable selection, which is a
// deployment problem rather than a transient one.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "model selection: " + e.Reason
}

// Catalog is the set of models available to the gateway.
type Catalog struct {
	models []Model
}

// NewCatalog builds a catalogue from explicit entries.
func NewCatalog(models []Model) *Catalog {
	return &Catalog{models: models}
}

// DefaultCatalog returns the built-in model set. localModel names the
// self-hosted model used for private data; empty disables it.
func DefaultCatalog(localModel string) *Catalog {
	models := []Model{
		{
			ID:              "gpt-4o",
			Provider:        "openai",
			ContextWindow:   128000,
			CostPer1kInput:  0.0025,
			CostPer1kOutput: 0.01,
			P50Latency:      2500 * time.Millisecond,
			Quality:         90,
			DataClasses:     []DataClass{DataStandard},
			SupportsStreaming:  true,
			SupportsStructured: true,
		},
		{
			ID:              "gpt-4o-mini",
			Provider:        "openai",
			ContextWindow:   128000,
			CostPer1kInput:  0.00015,
			CostPer1kOutput: 0.0006,
			P50Latency:      1200 * time.Millisecond,
			Quality:         70,
			DataClasses:     []DataClass{DataStandard},
			SupportsStreaming:  true,
			SupportsStructured: true,
		},
		{
			ID:              "gpt-4o",
			Provider:        "azure",
			ContextWindow:   128000,
			CostPer1kInput:  0.0025,
			CostPer1kOutput: 0.01,
			P50Latency:      2800 * time.Millisecond,
			Quality:         88,
			DataClasses:     []DataClass{DataStandard, DataSensitive},
			SupportsStreaming:  true,
			SupportsStructured: true,
		},
	}
	if localModel != "" {
		models = append(models, Model{
			ID:            localModel,
			Provider:      "local",
			ContextWindow: 32768,
			P50Latency:    6 * time.Second,
			Quality:       55,
			DataClasses:   []DataClass{DataStandard, DataSensitive, DataPrivate},
			SupportsStreaming: true,
		})
	}
	return NewCatalog(models)
}

// Select returns the eligible models for the requirements, primary
// first per the strategy, the rest ordered by descending quality as the
// fallback chain.
func (c *Catalog) Select(req Requirements) ([]Model, error) {
	dc := req.DataClass
	if dc == "" {
		dc = DataStandard
	}

	var eligible []Model
	for _, m := range c.models {
		if !m.servesClass(dc) {
			continue
		}
		if req.MinContext > 0 && m.ContextWindow < req.MinContext {
			continue
		}
		if req.NeedStreaming && !m.SupportsStreaming {
			continue
		}
		if req.NeedStructured && !m.SupportsStructured {
			continue
		}
		eligible = append(eligible, m)
	}
	if len(eligible) == 0 {
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("no model serves data class %q with context %d", dc, req.MinContext),
		}
	}

	var primaryLess func(a, b Model) bool
	switch req.Strategy {
	case StrategyLowestCost:
		// Ordered by input price alone: the prompt carries the full
		// retrieved context and dwarfs the answer.
		primaryLess = func(a, b Model) bool { return a.CostPer1kInput < b.CostPer1kInput }
	case StrategyLowestLatency:
		primaryLess = func(a, b Model) bool { return a.P50Latency < b.P50Latency }
	default:
		primaryLess = func(a, b Model) bool { return a.Quality > b.Quality }
	}

	sort.SliceStable(eligible, func(i, j int) bool { return primaryLess(eligible[i], eligible[j]) })
	primary := eligible[0]

	rest := append([]Model(nil), eligible[1:]...)
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Quality > rest[j].Quality })

	return append([]Model{primary}, rest...), nil
}
