package cad

// Parameter is a named tunable extracted from compiled source, surfaced
// so the UI can re-render the model with adjusted values without another
// round trip through the language model.
type Parameter struct {
	Name  string   `json:"name"`
	Label string   `json:"label,omitempty"`
	Value float64  `json:"value"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	Step  *float64 `json:"step,omitempty"`
	Unit  string   `json:"unit,omitempty"`
}
