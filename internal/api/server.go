package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kvstate/internal/logger"
	"github.com/samcharles93/kvstate/internal/registry"
	"github.com/samcharles93/kvstate/internal/state"
)

type Server struct {
	registry *registry.Registry
	log      logger.Logger
}

func NewServer(reg *registry.Registry, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{registry: reg, log: log}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/states", s.handleList)
	e.POST("/v1/states/reset", s.handleResetAll)
	e.POST("/v1/states/commit", s.handleCommitAll)

	e.GET("/v1/states/:name", s.handleGet)
	e.PUT("/v1/states/:name", s.handleSet)
	e.POST("/v1/states/:name/reset", s.handleReset)
	e.POST("/v1/states/:name/commit", s.handleCommit)
	e.POST("/v1/states/:name/beam", s.handleBeam)
}

func (s *Server) handleList(c *echo.Context) error {
	return c.JSON(http.StatusOK, StateList{
		Object: "list",
		Data:   s.registry.Describe(),
	})
}

func (s *Server) handleGet(c *echo.Context) error {
	name := c.Param("name")
	var withData bool
	if q := c.QueryParam("data"); q != "" {
		v, err := strconv.ParseBool(q)
		if err != nil {
			return s.writeStateError(c, newFieldError("data", "must be a boolean"))
		}
		withData = v
	}

	var data *TensorPayload
	info, err := s.registry.Inspect(name, func(st state.State) error {
		if !withData {
			return nil
		}
		t, err := st.GetState()
		if err != nil {
			return err
		}
		data = payloadOf(t)
		return nil
	})
	if err != nil {
		return s.writeStateError(c, err)
	}
	return c.JSON(http.StatusOK, StateResponse{Info: info, Data: data})
}

func (s *Server) handleSet(c *echo.Context) error {
	name := c.Param("name")
	req, err := decodeJSON[TensorPayload](c.Request().Body)
	if err != nil {
		return s.writeStateError(c, err)
	}
	t, err := tensorOf(req)
	if err != nil {
		return s.writeStateError(c, err)
	}
	return s.apply(c, name, func(st state.State) error {
		if err := st.SetState(t); err != nil {
			return err
		}
		s.log.Debug("state set over http", logger.StateKey, name, "dims", t.Dims())
		return nil
	})
}

func (s *Server) handleReset(c *echo.Context) error {
	return s.apply(c, c.Param("name"), func(st state.State) error {
		st.Reset()
		return nil
	})
}

func (s *Server) handleCommit(c *echo.Context) error {
	return s.apply(c, c.Param("name"), func(st state.State) error {
		st.Commit()
		return nil
	})
}

// handleBeam replaces the beam table of a kv cache after checking it
// against the stored history.
func (s *Server) handleBeam(c *echo.Context) error {
	name := c.Param("name")
	req, err := decodeJSON[BeamRequest](c.Request().Body)
	if err != nil {
		return s.writeStateError(c, err)
	}
	table, err := beamTableOf(req.Table)
	if err != nil {
		return s.writeStateError(c, err)
	}
	return s.apply(c, name, func(st state.State) error {
		kv, ok := st.(*state.KVCache)
		if !ok {
			return newInvalidRequest("state " + strconv.Quote(name) + " has no beam table")
		}
		if err := kv.ValidateBeamTable(table); err != nil {
			return err
		}
		kv.AssignBeamTable(table)
		return nil
	})
}

func (s *Server) handleResetAll(c *echo.Context) error {
	s.registry.ResetAll()
	return c.JSON(http.StatusOK, BulkResponse{Object: "bulk", Action: "reset", Count: s.registry.Len()})
}

func (s *Server) handleCommitAll(c *echo.Context) error {
	s.registry.CommitAll()
	return c.JSON(http.StatusOK, BulkResponse{Object: "bulk", Action: "commit", Count: s.registry.Len()})
}

// apply runs fn on the named state and responds with the summary taken
// under the same lock.
func (s *Server) apply(c *echo.Context, name string, fn func(state.State) error) error {
	info, err := s.registry.Inspect(name, fn)
	if err != nil {
		return s.writeStateError(c, err)
	}
	return c.JSON(http.StatusOK, StateResponse{Info: info})
}
