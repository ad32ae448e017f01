package api

import "github.com/samcharles93/kvstate/internal/registry"

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// TensorPayload carries tensor content as float32 in logical row-major
// order. DType is informational on output and ignored on input.
type TensorPayload struct {
	DType  string    `json:"dtype,omitempty"`
	Dims   []int     `json:"dims"`
	Values []float32 `json:"values"`
}

type StateList struct {
	Object string          `json:"object"`
	Data   []registry.Info `json:"data"`
}

type StateResponse struct {
	registry.Info
	Data *TensorPayload `json:"data,omitempty"`
}

type BeamRequest struct {
	Table [][]int32 `json:"table"`
}

type BulkResponse struct {
	Object string `json:"object"`
	Action string `json:"action"`
	Count  int    `json:"count"`
}
