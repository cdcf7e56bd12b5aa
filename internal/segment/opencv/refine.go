package opencv

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"background-removal-filter/internal/segment"
)

// refine cleans up a raw 8-bit mask in place according to quality.
// Fast leaves it untouched, Balanced feathers the edges and Accurate first
// closes holes and removes specks with morphology.
func refine(mask *gocv.Mat, quality segment.Quality) error {
	switch quality {
	case segment.Fast:
		return nil
	case segment.Accurate:
		if err := morphClean(mask, 5); err != nil {
			return err
		}
		return feather(mask, 7, 2.0)
	default:
		return feather(mask, 5, 1.0)
	}
}

func morphClean(mask *gocv.Mat, kernelSize int) error {
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: kernelSize, Y: kernelSize})
	defer kernel.Close()

	closed := gocv.NewMat()
	defer closed.Close()
	if err := gocv.MorphologyEx(*mask, &closed, gocv.MorphClose, kernel); err != nil {
		return fmt.Errorf("morphological close: %w", err)
	}

	opened := gocv.NewMat()
	if err := gocv.MorphologyEx(closed, &opened, gocv.MorphOpen, kernel); err != nil {
		opened.Close()
		return fmt.Errorf("morphological open: %w", err)
	}

	mask.Close()
	*mask = opened
	return nil
}

func feather(mask *gocv.Mat, kernelSize int, sigma float64) error {
	if kernelSize%2 == 0 {
		kernelSize++
	}
	blurred := gocv.NewMat()
	if err := gocv.GaussianBlur(*mask, &blurred, image.Point{X: kernelSize, Y: kernelSize}, sigma, sigma, gocv.BorderDefault); err != nil {
		blurred.Close()
		return fmt.Errorf("gaussian blur: %w", err)
	}

	mask.Close()
	*mask = blurred
	return nil
}
