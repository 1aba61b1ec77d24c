package client

import (
	"context"
	"image"

	"github.com/menta2k/backdrop/pkg/types"
)

// Rewriter calls the external generative model
type Rewriter interface {
	Rewrite(ctx context.Context, req types.RewriteRequest) (image.Image, error)
}

// Matting is a foreground cutout and its alpha plane
type Matting struct {
	Foreground image.Image
	Mask       *image.Gray
}

// Matter produces a foreground matte for an image
type Matter interface {
	Matte(ctx context.Context, img image.Image) (*Matting, error)
}

// DirectiveQuery describes what a directive is requested for
type DirectiveQuery struct {
	RunID   string
	Index   int
	Variant types.VariantName
	Engine  types.EngineKind
	Brief   types.Brief
	Source  image.Image
}

type DirectiveResolver interface {
	Resolve(ctx context.Context, q DirectiveQuery) (types.Directive, error)
}

// CategoryClassifier names the product category shown in a photo
type CategoryClassifier interface {
	Classify(ctx context.Context, img image.Image) (string, error)
}

// ArtifactStore persists run outputs and returns a reference to embed in results
type ArtifactStore interface {
	Save(ctx context.Context, runID, name string, img image.Image) (string, error)
	SaveManifest(ctx context.Context, runID string, v any) (string, error)
}
