// Copyright 2022 The viewcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package viewer

import "github.com/go-playground/validator/v10"

// Primitive types
const (
	PrimitiveBoxGrid = "boxgrid"
	PrimitiveLine    = "line"
	PrimitivePoints  = "points"
)

// Primitive defaults
const (
	DefaultBoxGridColor = "aqua"
	DefaultLineColor    = 0xff0000
	DefaultPointsColor  = 0xff0000
	DefaultPointsSize   = 5.0
)

// Primitive one overlay shape drawn over the world view
//
// The geometry is relayed to the viewers as is.
type Primitive struct {
	// Type is the primitive type
	Type string `json:"type" validate:"required,oneof=boxgrid line points"`
	// ID is the primitive ID. Drawing with an existing ID replaces that primitive.
	ID string `json:"id" validate:"required"`
	// Start is the box grid start corner
	Start *Vec3 `json:"start,omitempty" validate:"required_if=Type boxgrid"`
	// End is the box grid end corner
	End *Vec3 `json:"end,omitempty" validate:"required_if=Type boxgrid"`
	// Points are the line vertices, or the points
	Points []Vec3 `json:"points,omitempty" validate:"required_unless=Type boxgrid"`
	// Color is either a color name, or a RGB value
	Color interface{} `json:"color,omitempty"`
	// Size is the point size
	Size *float64 `json:"size,omitempty"`
}

// erasedPrimitive data of EventPrimitive for an erased primitive
type erasedPrimitive struct {
	ID string `json:"id"`
}

// applyDefaults fill in the default color and size
func (p *Primitive) applyDefaults() {
	switch p.Type {
	case PrimitiveBoxGrid:
		if p.Color == nil {
			p.Color = DefaultBoxGridColor
		}
	case PrimitiveLine:
		if p.Color == nil {
			p.Color = DefaultLineColor
		}
	case PrimitivePoints:
		if p.Color == nil {
			p.Color = DefaultPointsColor
		}
		if p.Size == nil {
			size := DefaultPointsSize
			p.Size = &size
		}
	}
}

// Validate validate the primitive
func (p *Primitive) Validate(validate *validator.Validate) error {
	return validate.Struct(p)
}
