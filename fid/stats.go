package fid

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/meshgan/tensor"
)

// MaxStatImages caps the number of embeddings that contribute to a
// statistics estimate, matching the cap used when the real statistics
// were precomputed.
const MaxStatImages = 50000

// Stats are the first two moments of an embedding distribution.
type Stats struct {
	Mean       []float64
	Cov        *mat.SymDense
	NumSamples int
}

// ComputeStats estimates mean and covariance from an embedding batch of
// shape [N, D]. At most MaxStatImages rows are used. The covariance is
// the unbiased estimate (denominator N-1).
func ComputeStats(embeddings *tensor.Tensor) (*Stats, error) {
	if len(embeddings.Shape) != 2 {
		return nil, fmt.Errorf("embeddings must be [N, D], got shape %v", embeddings.Shape)
	}
	n, d := embeddings.Shape[0], embeddings.Shape[1]
	if n > MaxStatImages {
		n = MaxStatImages
	}
	if n < 2 {
		return nil, fmt.Errorf("at least 2 embeddings are required, got %d", n)
	}
	data, err := embeddings.Float32s()
	if err != nil {
		return nil, err
	}

	mean := make([]float64, d)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			mean[j] += float64(data[i*d+j])
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}

	cov := mat.NewSymDense(d, nil)
	centered := make([]float64, d)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			centered[j] = float64(data[i*d+j]) - mean[j]
		}
		for j := 0; j < d; j++ {
			for k := j; k < d; k++ {
				cov.SetSym(j, k, cov.At(j, k)+centered[j]*centered[k])
			}
		}
	}
	scale := 1.0 / float64(n-1)
	for j := 0; j < d; j++ {
		for k := j; k < d; k++ {
			cov.SetSym(j, k, cov.At(j, k)*scale)
		}
	}

	return &Stats{Mean: mean, Cov: cov, NumSamples: n}, nil
}

// FrechetDistance computes the squared Fréchet distance between two
// Gaussian approximations:
//
//	d² = ||μ₁-μ₂||² + tr(Σ₁ + Σ₂ - 2·(Σ₁Σ₂)^½)
//
// The cross term is evaluated through the symmetric product
// Σ₁^½ Σ₂ Σ₁^½, whose eigenvalues are those of Σ₁Σ₂, keeping the whole
// computation inside symmetric eigendecompositions.
func FrechetDistance(a, b *Stats) (float64, error) {
	if len(a.Mean) != len(b.Mean) {
		return 0, fmt.Errorf("embedding dimension mismatch: %d vs %d", len(a.Mean), len(b.Mean))
	}
	d := len(a.Mean)

	meanDist := 0.0
	for i := 0; i < d; i++ {
		diff := a.Mean[i] - b.Mean[i]
		meanDist += diff * diff
	}

	sqrtA, err := sqrtSym(a.Cov)
	if err != nil {
		return 0, fmt.Errorf("failed to factorize first covariance: %v", err)
	}

	// M = Σ₁^½ Σ₂ Σ₁^½ is symmetric positive semidefinite.
	var tmp, m mat.Dense
	tmp.Mul(sqrtA, b.Cov)
	m.Mul(&tmp, sqrtA)

	sym := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			sym.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(sym, false) {
		return 0, fmt.Errorf("failed to factorize covariance product")
	}
	trSqrt := 0.0
	for _, v := range eig.Values(nil) {
		if v > 0 {
			trSqrt += math.Sqrt(v)
		}
	}

	trace := 0.0
	for i := 0; i < d; i++ {
		trace += a.Cov.At(i, i) + b.Cov.At(i, i)
	}

	return meanDist + trace - 2*trSqrt, nil
}

// sqrtSym computes the symmetric square root via eigendecomposition,
// clamping small negative eigenvalues from numerical noise at zero.
func sqrtSym(s *mat.SymDense) (*mat.Dense, error) {
	var eig mat.EigenSym
	if !eig.Factorize(s, true) {
		return nil, fmt.Errorf("eigendecomposition did not converge")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	n := len(vals)
	diag := mat.NewDiagDense(n, nil)
	for i, v := range vals {
		if v > 0 {
			diag.SetDiag(i, math.Sqrt(v))
		}
	}

	var tmp, out mat.Dense
	tmp.Mul(&vecs, diag)
	out.Mul(&tmp, vecs.T())
	return &out, nil
}

// statsFile is the on-disk format of precomputed real statistics. The
// covariance stores the full matrix but only the upper triangle is
// authoritative; the lower triangle is rebuilt on load.
type statsFile struct {
	Resolution int         `json:"resolution"`
	NumImages  int         `json:"num_images"`
	Mean       []float64   `json:"mean"`
	Cov        [][]float64 `json:"cov"`
}

// LoadRealStats reads precomputed real-image statistics and verifies
// they were computed at the expected resolution. The covariance is
// symmetrized from its upper triangle, and the recorded sample count is
// capped at MaxStatImages.
func LoadRealStats(path string, resolution int) (*Stats, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read statistics file: %v", err)
	}
	var f statsFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse statistics file %s: %v", path, err)
	}

	if f.Resolution != resolution {
		return nil, fmt.Errorf("statistics in %s were computed at resolution %d, expected %d", path, f.Resolution, resolution)
	}
	d := len(f.Mean)
	if d == 0 || len(f.Cov) != d {
		return nil, fmt.Errorf("statistics file %s has inconsistent dimensions", path)
	}

	cov := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		if len(f.Cov[i]) != d {
			return nil, fmt.Errorf("statistics file %s has a ragged covariance row %d", path, i)
		}
		for j := i; j < d; j++ {
			cov.SetSym(i, j, f.Cov[i][j])
		}
	}

	n := f.NumImages
	if n > MaxStatImages {
		n = MaxStatImages
	}
	return &Stats{Mean: f.Mean, Cov: cov, NumSamples: n}, nil
}

// SaveRealStats writes statistics in the format LoadRealStats reads.
// Used by dataset preprocessing tools and tests.
func SaveRealStats(path string, stats *Stats, resolution int) error {
	d := len(stats.Mean)
	cov := make([][]float64, d)
	for i := 0; i < d; i++ {
		cov[i] = make([]float64, d)
		for j := 0; j < d; j++ {
			cov[i][j] = stats.Cov.At(i, j)
		}
	}
	raw, err := json.Marshal(statsFile{
		Resolution: resolution,
		NumImages:  stats.NumSamples,
		Mean:       stats.Mean,
		Cov:        cov,
	})
	if err != nil {
		return fmt.Errorf("failed to encode statistics: %v", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write statistics file: %v", err)
	}
	return nil
}
