// tensor_nn.go - Neuronale Netzwerk Operationen
// Enthaelt: Softmax, Normalisierungen, Aktivierungen, Convolution,
// Pooling und Interpolation.
package cpu

import (
	"fmt"

	"github.com/chewxy/math32"
	"golang.org/x/sync/errgroup"

	"github.com/7blacky7/voxelclip/ml"
)

// Softmax berechnet Softmax ueber Dimension 0.
func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	out := t.like(ml.DTypeF32)
	for i3 := 0; i3 < t.ne[3]; i3++ {
		for i2 := 0; i2 < t.ne[2]; i2++ {
			for i1 := 0; i1 < t.ne[1]; i1++ {
				base := t.index(0, i1, i2, i3)
				row := t.data[base : base+t.ne[0]]

				maxv := math32.Inf(-1)
				for _, v := range row {
					if v > maxv {
						maxv = v
					}
				}

				var sum float32
				dst := out.data[base : base+t.ne[0]]
				for i, v := range row {
					dst[i] = math32.Exp(v - maxv)
					sum += dst[i]
				}
				for i := range dst {
					dst[i] /= sum
				}
			}
		}
	}

	return out
}

// LayerNorm normalisiert jede Zeile (Dimension 0) auf Mittelwert 0 und
// Varianz 1 und wendet optional Gewicht und Bias an.
func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	out := t.like(ml.DTypeF32)
	var w, b *Tensor
	if weight != nil {
		w = toCPU(weight)
	}
	if bias != nil {
		b = toCPU(bias)
	}

	n := float32(t.ne[0])
	for i3 := 0; i3 < t.ne[3]; i3++ {
		for i2 := 0; i2 < t.ne[2]; i2++ {
			for i1 := 0; i1 < t.ne[1]; i1++ {
				base := t.index(0, i1, i2, i3)
				row := t.data[base : base+t.ne[0]]

				var mean float32
				for _, v := range row {
					mean += v
				}
				mean /= n

				var variance float32
				for _, v := range row {
					variance += (v - mean) * (v - mean)
				}
				variance /= n

				inv := 1 / math32.Sqrt(variance+eps)
				dst := out.data[base : base+t.ne[0]]
				for i, v := range row {
					dst[i] = (v - mean) * inv
					if w != nil {
						dst[i] *= w.data[i]
					}
					if b != nil {
						dst[i] += b.data[i]
					}
				}
			}
		}
	}

	return out
}

// L2Norm normalisiert jede Zeile (Dimension 0) auf Einheitslaenge.
func (t *Tensor) L2Norm(ctx ml.Context, eps float32) ml.Tensor {
	out := t.like(ml.DTypeF32)
	for i3 := 0; i3 < t.ne[3]; i3++ {
		for i2 := 0; i2 < t.ne[2]; i2++ {
			for i1 := 0; i1 < t.ne[1]; i1++ {
				base := t.index(0, i1, i2, i3)
				row := t.data[base : base+t.ne[0]]

				var sum float32
				for _, v := range row {
					sum += v * v
				}

				inv := 1 / max(math32.Sqrt(sum), eps)
				dst := out.data[base : base+t.ne[0]]
				for i, v := range row {
					dst[i] = v * inv
				}
			}
		}
	}

	return out
}

func (t *Tensor) activate(f func(v float32) float32, up []ml.Tensor) ml.Tensor {
	out := t.unary(f)
	if len(up) > 0 {
		return out.Mul(nil, up[0])
	}
	return out
}

// GELU berechnet die exakte GELU-Aktivierung, optional gated mit up.
func (t *Tensor) GELU(ctx ml.Context, up ...ml.Tensor) ml.Tensor {
	return t.activate(func(v float32) float32 {
		return 0.5 * v * (1 + math32.Erf(v/math32.Sqrt2))
	}, up)
}

// QuickGELU berechnet die Sigmoid-Approximation x*sigmoid(1.702*x).
func (t *Tensor) QuickGELU(ctx ml.Context, up ...ml.Tensor) ml.Tensor {
	return t.activate(func(v float32) float32 {
		return v / (1 + math32.Exp(-1.702*v))
	}, up)
}

// RELU berechnet max(0, x), optional gated mit up.
func (t *Tensor) RELU(ctx ml.Context, up ...ml.Tensor) ml.Tensor {
	return t.activate(func(v float32) float32 {
		if v > 0 {
			return v
		}
		return 0
	}, up)
}

// SILU berechnet x*sigmoid(x), optional gated mit up.
func (t *Tensor) SILU(ctx ml.Context, up ...ml.Tensor) ml.Tensor {
	return t.activate(func(v float32) float32 {
		return v / (1 + math32.Exp(-v))
	}, up)
}

// AvgPool2D mittelt k*k-Fenster ueber die Dimensionen 0 und 1.
func (t *Tensor) AvgPool2D(ctx ml.Context, k, s int, p float32) ml.Tensor {
	pad := int(p)
	ow := (t.ne[0]+2*pad-k)/s + 1
	oh := (t.ne[1]+2*pad-k)/s + 1

	out := newTensor(t.b, ml.DTypeF32, ow, oh, t.ne[2], t.ne[3])
	out.dims = t.dims
	norm := 1 / float32(k*k)
	for i3 := 0; i3 < t.ne[3]; i3++ {
		for i2 := 0; i2 < t.ne[2]; i2++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					var sum float32
					for ky := 0; ky < k; ky++ {
						for kx := 0; kx < k; kx++ {
							x := ox*s - pad + kx
							y := oy*s - pad + ky
							if x < 0 || x >= t.ne[0] || y < 0 || y >= t.ne[1] {
								continue
							}
							sum += t.data[t.index(x, y, i2, i3)]
						}
					}
					out.data[out.index(ox, oy, i2, i3)] = sum * norm
				}
			}
		}
	}

	return out
}

// Conv2D berechnet eine 2D-Convolution. Eingabe (W, H, Cin, N), Gewicht
// (KW, KH, Cin, Cout), Ausgabe (OW, OH, Cout, N).
func (t *Tensor) Conv2D(ctx ml.Context, weight ml.Tensor, s0, s1, p0, p1, d0, d1 int) ml.Tensor {
	w := toCPU(weight)
	if w.ne[2] != t.ne[2] {
		panic(fmt.Sprintf("cpu: conv2d channel mismatch input %v weight %v", t.Shape(), w.Shape()))
	}

	kw, kh, cin, cout := w.ne[0], w.ne[1], w.ne[2], w.ne[3]
	ow := (t.ne[0]+2*p0-d0*(kw-1)-1)/s0 + 1
	oh := (t.ne[1]+2*p1-d1*(kh-1)-1)/s1 + 1

	out := newTensor(t.b, ml.DTypeF32, ow, oh, cout, t.ne[3])

	var g errgroup.Group
	g.SetLimit(t.b.threads)
	for i3 := 0; i3 < t.ne[3]; i3++ {
		for oc := 0; oc < cout; oc++ {
			oc, i3 := oc, i3
			g.Go(func() error {
				for oy := 0; oy < oh; oy++ {
					for ox := 0; ox < ow; ox++ {
						var sum float32
						for ic := 0; ic < cin; ic++ {
							for ky := 0; ky < kh; ky++ {
								y := oy*s1 - p1 + ky*d1
								if y < 0 || y >= t.ne[1] {
									continue
								}
								for kx := 0; kx < kw; kx++ {
									x := ox*s0 - p0 + kx*d0
									if x < 0 || x >= t.ne[0] {
										continue
									}
									sum += t.data[t.index(x, y, ic, i3)] * w.data[w.index(kx, ky, ic, oc)]
								}
							}
						}
						out.data[out.index(ox, oy, oc, i3)] = sum
					}
				}
				return nil
			})
		}
	}
	g.Wait()

	return out
}

// Conv3D berechnet eine 3D-Convolution. Eingabe (W, H, D, C*N) mit c
// Kanaelen, Gewicht (KW, KH, KD, C*OC), Ausgabe (OW, OH, OD, OC*N).
func (t *Tensor) Conv3D(ctx ml.Context, weight ml.Tensor, c, s0, s1, s2, p0, p1, p2, d0, d1, d2 int) ml.Tensor {
	w := toCPU(weight)
	if t.ne[3]%c != 0 || w.ne[3]%c != 0 {
		panic(fmt.Sprintf("cpu: conv3d channel mismatch input %v weight %v channels %d", t.Shape(), w.Shape(), c))
	}

	batch := t.ne[3] / c
	cout := w.ne[3] / c
	kw, kh, kd := w.ne[0], w.ne[1], w.ne[2]
	ow := (t.ne[0]+2*p0-d0*(kw-1)-1)/s0 + 1
	oh := (t.ne[1]+2*p1-d1*(kh-1)-1)/s1 + 1
	od := (t.ne[2]+2*p2-d2*(kd-1)-1)/s2 + 1

	out := newTensor(t.b, ml.DTypeF32, ow, oh, od, cout*batch)

	var g errgroup.Group
	g.SetLimit(t.b.threads)
	for n := 0; n < batch; n++ {
		for oc := 0; oc < cout; oc++ {
			oc, n := oc, n
			g.Go(func() error {
				for oz := 0; oz < od; oz++ {
					for oy := 0; oy < oh; oy++ {
						for ox := 0; ox < ow; ox++ {
							var sum float32
							for ic := 0; ic < c; ic++ {
								for kz := 0; kz < kd; kz++ {
									z := oz*s2 - p2 + kz*d2
									if z < 0 || z >= t.ne[2] {
										continue
									}
									for ky := 0; ky < kh; ky++ {
										y := oy*s1 - p1 + ky*d1
										if y < 0 || y >= t.ne[1] {
											continue
										}
										for kx := 0; kx < kw; kx++ {
											x := ox*s0 - p0 + kx*d0
											if x < 0 || x >= t.ne[0] {
												continue
											}
											sum += t.data[t.index(x, y, z, n*c+ic)] * w.data[w.index(kx, ky, kz, oc*c+ic)]
										}
									}
								}
							}
							out.data[out.index(ox, oy, oz, n*cout+oc)] = sum
						}
					}
				}
				return nil
			})
		}
	}
	g.Wait()

	return out
}

// Interpolate skaliert die Dimensionen 0 und 1 auf dims[0] x dims[1].
// Bicubic interpoliert mit align-corners (passend zum Umrechnen
// gespeicherter Positions-Embeddings), Bilinear mit half-pixel Zentren.
func (t *Tensor) Interpolate(ctx ml.Context, dims [4]int, samplingMode ml.SamplingMode) ml.Tensor {
	if dims[2] != t.ne[2] || dims[3] != t.ne[3] {
		panic(fmt.Sprintf("cpu: interpolate only resizes dims 0 and 1, got %v -> %v", t.Shape(), dims))
	}

	ow, oh := dims[0], dims[1]
	out := newTensor(t.b, ml.DTypeF32, ow, oh, t.ne[2], t.ne[3])
	out.dims = t.dims

	sample := func(x, y, i2, i3 int) float32 {
		x = min(max(x, 0), t.ne[0]-1)
		y = min(max(y, 0), t.ne[1]-1)
		return t.data[t.index(x, y, i2, i3)]
	}

	for i3 := 0; i3 < t.ne[3]; i3++ {
		for i2 := 0; i2 < t.ne[2]; i2++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					var v float32
					switch samplingMode {
					case ml.SamplingModeNearest:
						v = sample(ox*t.ne[0]/ow, oy*t.ne[1]/oh, i2, i3)
					case ml.SamplingModeBilinear:
						sx := (float32(ox)+0.5)*float32(t.ne[0])/float32(ow) - 0.5
						sy := (float32(oy)+0.5)*float32(t.ne[1])/float32(oh) - 0.5
						x0, y0 := int(math32.Floor(sx)), int(math32.Floor(sy))
						fx, fy := sx-float32(x0), sy-float32(y0)
						v = (1-fy)*((1-fx)*sample(x0, y0, i2, i3)+fx*sample(x0+1, y0, i2, i3)) +
							fy*((1-fx)*sample(x0, y0+1, i2, i3)+fx*sample(x0+1, y0+1, i2, i3))
					case ml.SamplingModeBicubic:
						sx := alignedSource(ox, ow, t.ne[0])
						sy := alignedSource(oy, oh, t.ne[1])
						x0, y0 := int(math32.Floor(sx)), int(math32.Floor(sy))
						fx, fy := sx-float32(x0), sy-float32(y0)
						for j := -1; j <= 2; j++ {
							var row float32
							for i := -1; i <= 2; i++ {
								row += cubicWeight(float32(i)-fx) * sample(x0+i, y0+j, i2, i3)
							}
							v += cubicWeight(float32(j)-fy) * row
						}
					default:
						panic(fmt.Sprintf("cpu: unsupported sampling mode %d", samplingMode))
					}
					out.data[out.index(ox, oy, i2, i3)] = v
				}
			}
		}
	}

	return out
}

// alignedSource bildet eine Zielkoordinate mit align-corners auf die
// Quellkoordinate ab.
func alignedSource(o, on, in int) float32 {
	if on <= 1 {
		return 0
	}
	return float32(o) * float32(in-1) / float32(on-1)
}

// cubicWeight ist der Faltungskern der bikubischen Interpolation mit
// a = -0.75 (torch-Konvention).
func cubicWeight(t float32) float32 {
	const a = -0.75
	t = math32.Abs(t)
	switch {
	case t <= 1:
		return (a+2)*t*t*t - (a+3)*t*t + 1
	case t < 2:
		return a*t*t*t - 5*a*t*t + 8*a*t - 4*a
	default:
		return 0
	}
}
