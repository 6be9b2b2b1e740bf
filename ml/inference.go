package ml

import (
	"sort"
)

// ClassScore pairs a class index with the model's output for it.
type ClassScore struct {
	Class int
	Score float64
}

// argmax finds the index of the maximum value. Ties go to the lowest index.
func argmax(values []float64) (int, float64) {
	bestIdx := 0
	best := values[0]
	for i, v := range values {
		if v > best {
			best = v
			bestIdx = i
		}
	}
	return bestIdx, best
}

func threshold(v float64) int {
	if v >= 0.5 {
		return 1
	}
	return 0
}

// PredictClasses runs X through the model and returns, per sample, the
// index of the largest output and that output (the confidence for a
// softmax head).
func (s *Sequential) PredictClasses(X *Matrix) (classes []int, confidence []float64, err error) {
	err = catch(func() {
		out := s.predict(X)
		classes = make([]int, out.rows)
		confidence = make([]float64, out.rows)
		for i := 0; i < out.rows; i++ {
			classes[i], confidence[i] = argmax(out.data[i*out.cols : (i+1)*out.cols])
		}
	})
	return
}

// Accuracy is the fraction of samples whose predicted class matches the
// argmax of the one-hot row in y. With a single output column both the
// prediction and the label are thresholded at 0.5 instead.
func (s *Sequential) Accuracy(X, y *Matrix) (acc float64, err error) {
	err = catch(func() {
		checkXY(X, y)
		out := s.predict(X)
		sameShape("Accuracy", out, y)
		correct := 0
		for i := 0; i < out.rows; i++ {
			var p, t int
			if out.cols == 1 {
				p, t = threshold(out.data[i]), threshold(y.data[i])
			} else {
				p, _ = argmax(out.data[i*out.cols : (i+1)*out.cols])
				t, _ = argmax(y.data[i*y.cols : (i+1)*y.cols])
			}
			if p == t {
				correct++
			}
		}
		acc = float64(correct) / float64(out.rows)
	})
	return
}

// TopK returns the k highest scoring classes of one output row, best first.
// k <= 0 or larger than the row returns every class.
func TopK(row []float64, k int) []ClassScore {
	if k <= 0 || k > len(row) {
		k = len(row)
	}
	indexed := make([]ClassScore, len(row))
	for i, p := range row {
		indexed[i] = ClassScore{Class: i, Score: p}
	}
	sort.SliceStable(indexed, func(i, j int) bool {
		return indexed[i].Score > indexed[j].Score
	})
	return indexed[:k]
}
