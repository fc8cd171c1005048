package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/reelforge/reelforge/internal/models"
)

// StyleHandler serves the style preset catalogue.
type StyleHandler struct{}

// NewStyleHandler creates a new style handler.
func NewStyleHandler() *StyleHandler {
	return &StyleHandler{}
}

// Register registers the style routes with the API.
func (h *StyleHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listStyles",
		Method:      "GET",
		Path:        "/api/v1/styles",
		Summary:     "List styles",
		Description: "Returns the style presets with their transition and grading parameters",
		Tags:        []string{"Styles"},
	}, h.List)
}

// ListStylesInput is the input for listing styles.
type ListStylesInput struct{}

// ListStylesOutput is the output for listing styles.
type ListStylesOutput struct {
	Body struct {
		Styles []models.Style `json:"styles"`
	}
}

// List returns all style presets in a stable order.
func (h *StyleHandler) List(ctx context.Context, input *ListStylesInput) (*ListStylesOutput, error) {
	resp := &ListStylesOutput{}
	resp.Body.Styles = models.Styles()
	return resp, nil
}
