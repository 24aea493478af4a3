package types

import "sort"

// ParamDefaults are the documented default sampling parameters. Unset request
// fields take these values before the request is fingerprinted or executed, so
// "unset" and "explicitly default" behave identically everywhere.
type ParamDefaults struct {
	MaxTokens     int
	Temperature   float32
	TopP          float32
	TopK          int
	RepeatPenalty float32
}

const (
	MaxTokensFloor   = 1
	MaxTokensCeiling = 4096
)

// ApplyDefaults fills unset optional fields from the pointer-typed API body
// into a fully-resolved GenerationParams.
func ApplyDefaults(d ParamDefaults, maxTokens *int, temperature, topP *float32, topK *int, repeatPenalty *float32, stop []string, seed *int) GenerationParams {
	params := GenerationParams{
		MaxTokens:     d.MaxTokens,
		Temperature:   d.Temperature,
		TopP:          d.TopP,
		TopK:          d.TopK,
		RepeatPenalty: d.RepeatPenalty,
		Seed:          seed,
	}
	if maxTokens != nil {
		params.MaxTokens = *maxTokens
	}
	if temperature != nil {
		params.Temperature = *temperature
	}
	if topP != nil {
		params.TopP = *topP
	}
	if topK != nil {
		params.TopK = *topK
	}
	if repeatPenalty != nil {
		params.RepeatPenalty = *repeatPenalty
	}
	if len(stop) > 0 {
		params.Stop = append([]string{}, stop...)
	}
	return params
}

// SortedStop returns the stop sequences in sorted order. Stop order never
// affects generation semantics, so fingerprints use the sorted form.
func (p GenerationParams) SortedStop() []string {
	if len(p.Stop) == 0 {
		return nil
	}
	out := append([]string{}, p.Stop...)
	sort.Strings(out)
	return out
}
