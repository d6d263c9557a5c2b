// Package server exposes the generation engine over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"gensearch-go/gensearch"
	"gensearch-go/logger"
)

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	Prompt            string   `json:"prompt"`
	MaxLength         int      `json:"max_length,omitempty"`
	MinLength         int      `json:"min_length,omitempty"`
	Temperature       *float32 `json:"temperature,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	TopP              *float32 `json:"top_p,omitempty"`
	RepetitionPenalty *float32 `json:"repetition_penalty,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
}

// GenerateResponse is the body returned for a finished generation.
type GenerateResponse struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	TokenIDs []int32 `json:"token_ids"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server wires the engine into an echo application.
type Server struct {
	engine     *gensearch.Engine
	baseParams []gensearch.GeneratorOption
	vocabSize  int
	log        logger.Logger
}

// New creates a server over an engine. baseParams seed every request's
// generator parameters before the request body's overrides apply.
func New(engine *gensearch.Engine, vocabSize int, log logger.Logger, baseParams ...gensearch.GeneratorOption) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		engine:     engine,
		baseParams: baseParams,
		vocabSize:  vocabSize,
		log:        log,
	}
}

// Register attaches the routes.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.GET("/v1/health", s.handleHealth)
}

// Start runs the server on addr until the context is cancelled or serving
// fails.
func (s *Server) Start(ctx context.Context, addr string) error {
	e := echo.New()
	s.Register(e)
	s.log.Info("serving", "addr", addr)
	sc := echo.StartConfig{Address: addr}
	return sc.Start(ctx, e)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGenerate(c *echo.Context) error {
	var req GenerateRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
	}
	if req.Prompt == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "prompt is required"})
	}

	opts := append([]gensearch.GeneratorOption(nil), s.baseParams...)
	if req.MaxLength > 0 {
		opts = append(opts, gensearch.WithMaxLength(req.MaxLength))
	}
	if req.MinLength > 0 {
		opts = append(opts, gensearch.WithMinLength(req.MinLength))
	}
	if req.Temperature != nil {
		opts = append(opts, gensearch.WithTemperature(*req.Temperature))
	}
	if req.TopK != nil {
		opts = append(opts, gensearch.WithTopK(*req.TopK))
	}
	if req.TopP != nil {
		opts = append(opts, gensearch.WithTopP(*req.TopP))
	}
	if req.RepetitionPenalty != nil {
		opts = append(opts, gensearch.WithRepetitionPenalty(*req.RepetitionPenalty))
	}
	if req.Seed != nil {
		opts = append(opts, gensearch.WithRandomSeed(*req.Seed))
	}

	params, err := gensearch.NewGeneratorParams(s.vocabSize, opts...)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	outputs, err := s.engine.Generate([]string{req.Prompt}, params, false)
	if err != nil {
		s.log.Error("generation failed", "err", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	out := outputs[0]

	return c.JSON(http.StatusOK, GenerateResponse{
		ID:       out.ID,
		Text:     out.Text,
		TokenIDs: out.TokenIDs,
	})
}
