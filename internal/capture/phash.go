package capture

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"

	"golang.org/x/image/draw"
)

// hashSize is the side length of the downscaled grayscale grid the average
// hash is computed over, producing a 64-bit fingerprint.
const hashSize = 8

// PerceptualHash decodes an image and reduces it to a 64-bit average hash:
// downscale to an 8x8 grayscale grid, threshold each pixel against the
// grid's mean luminance, and pack the result bit by bit. Hamming distance
// between two hashes approximates visual similarity.
func PerceptualHash(data []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("capture: decode image for phash: %w", err)
	}

	small := image.NewGray(image.Rect(0, 0, hashSize, hashSize))
	draw.CatmullRom.Scale(small, small.Bounds(), img, img.Bounds(), draw.Over, nil)

	var sum int
	pixels := make([]uint8, 0, hashSize*hashSize)
	for y := 0; y < hashSize; y++ {
		for x := 0; x < hashSize; x++ {
			v := small.GrayAt(x, y).Y
			pixels = append(pixels, v)
			sum += int(v)
		}
	}
	mean := sum / len(pixels)

	var hash uint64
	for i, v := range pixels {
		if int(v) >= mean {
			hash |= 1 << uint(i)
		}
	}
	return hash, nil
}

// HammingDistance returns the number of differing bits between two hashes.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
