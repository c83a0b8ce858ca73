// Package transform holds the pinhole camera model used to project map points into keyframes.
package transform

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px" yaml:"width_px"`
	Height int     `json:"height_px" yaml:"height_px"`
	Fx     float64 `json:"fx" yaml:"fx"`
	Fy     float64 `json:"fy" yaml:"fy"`
	Ppx    float64 `json:"ppx" yaml:"ppx"`
	Ppy    float64 `json:"ppy" yaml:"ppy"`
}

// NewKITTIIntrinsics returns the intrinsics of the left grayscale camera of KITTI odometry sequences 00-02.
func NewKITTIIntrinsics() *PinholeCameraIntrinsics {
	return &PinholeCameraIntrinsics{
		Width:  1241,
		Height: 376,
		Fx:     718.856,
		Fy:     718.856,
		Ppx:    607.1928,
		Ppy:    185.2157,
	}
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width == 0 || params.Height == 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// NewPinholeCameraIntrinsicsFromJSONFile takes in a file path to a JSON and turns it into PinholeCameraIntrinsics.
func NewPinholeCameraIntrinsicsFromJSONFile(jsonPath string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	intrinsics := &PinholeCameraIntrinsics{}
	if err := json.Unmarshal(byteValue, intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return intrinsics, nil
}

// PointToPixel projects a camera frame point onto the image plane. Pixel coordinates are not
// rounded. A point with zero depth maps to (-1, -1).
func (params *PinholeCameraIntrinsics) PointToPixel(x, y, z float64) (float64, float64) {
	if z == 0 {
		return -1, -1
	}
	return (x/z)*params.Fx + params.Ppx, (y/z)*params.Fy + params.Ppy
}

// Project is PointToPixel on a vector.
func (params *PinholeCameraIntrinsics) Project(p r3.Vector) r2.Point {
	u, v := params.PointToPixel(p.X, p.Y, p.Z)
	return r2.Point{X: u, Y: v}
}

// ProjectStereo projects a camera frame point into a rectified stereo pair. The third coordinate
// is the horizontal pixel in the right image, u - bf/z, where bf is baseline times fx.
func (params *PinholeCameraIntrinsics) ProjectStereo(p r3.Vector, bf float64) r3.Vector {
	px := params.Project(p)
	ur := px.X
	if p.Z != 0 {
		ur -= bf / p.Z
	}
	return r3.Vector{X: px.X, Y: px.Y, Z: ur}
}

// ProjectionJacobian returns the 2x3 derivative of Project with respect to the camera frame
// point, in row-major order.
func (params *PinholeCameraIntrinsics) ProjectionJacobian(p r3.Vector) [6]float64 {
	invZ := 1 / p.Z
	invZ2 := invZ * invZ
	return [6]float64{
		params.Fx * invZ, 0, -params.Fx * p.X * invZ2,
		0, params.Fy * invZ, -params.Fy * p.Y * invZ2,
	}
}

// InImage reports whether a pixel lies within the image bounds.
func (params *PinholeCameraIntrinsics) InImage(px r2.Point) bool {
	return px.X >= 0 && px.Y >= 0 && px.X < float64(params.Width) && px.Y < float64(params.Height)
}
