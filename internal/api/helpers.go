package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kvstate/internal/registry"
	"github.com/samcharles93/kvstate/internal/state"
	"github.com/samcharles93/kvstate/internal/tensor"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
		},
	})
}

// writeStateError maps registry and state failures to HTTP statuses.
func (s *Server) writeStateError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return writeError(c, http.StatusNotFound, "not_found_error", err.Error())
	case errors.Is(err, registry.ErrDuplicate), errors.Is(err, state.ErrUninitializedState):
		return writeError(c, http.StatusConflict, "conflict_error", err.Error())
	case errors.Is(err, state.ErrShapeMismatch), errors.Is(err, ErrInvalidRequest):
		return writeBadRequest(c, err.Error())
	default:
		s.log.Error("state request failed", "path", c.Request().URL.Path, "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, newInvalidRequest(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return out, nil
}

// payloadOf decodes t to float32 in logical row-major order.
func payloadOf(t *tensor.Tensor) *TensorPayload {
	return &TensorPayload{
		DType:  t.DType().String(),
		Dims:   t.Dims(),
		Values: t.Float32s(),
	}
}

// tensorOf builds an f32 tensor from a request payload.
func tensorOf(p TensorPayload) (*tensor.Tensor, error) {
	if len(p.Dims) == 0 {
		return nil, newFieldError("dims", "required")
	}
	for _, d := range p.Dims {
		if d < 0 {
			return nil, newFieldError("dims", fmt.Sprintf("invalid dimension %d", d))
		}
	}
	n, err := tensor.ElementCount(p.Dims)
	if err != nil {
		return nil, newFieldError("dims", fmt.Sprintf("%v is too large", p.Dims))
	}
	if len(p.Values) != n {
		return nil, newFieldError("values", fmt.Sprintf("dims %v need %d values, got %d", p.Dims, n, len(p.Values)))
	}
	t, err := tensor.FromFloat32(p.Dims, p.Values)
	if err != nil {
		return nil, newInvalidRequest(err.Error())
	}
	return t, nil
}

// beamTableOf flattens a rectangular [batch][length] table.
func beamTableOf(rows [][]int32) (*tensor.Tensor, error) {
	if len(rows) == 0 {
		return nil, newFieldError("table", "at least one row is required")
	}
	length := len(rows[0])
	flat := make([]int32, 0, len(rows)*length)
	for i, row := range rows {
		if len(row) != length {
			return nil, newFieldError("table", fmt.Sprintf("row %d has %d entries, expected %d", i, len(row), length))
		}
		flat = append(flat, row...)
	}
	t, err := tensor.FromInt32([]int{len(rows), length}, flat)
	if err != nil {
		return nil, newInvalidRequest(err.Error())
	}
	return t, nil
}
