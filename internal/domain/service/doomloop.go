package service

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// DoomLoopDetector is the hard-terminating counterpart to LoopDetector.
// Where LoopDetector emits a reflection prompt and lets the model
// self-correct, DoomLoopDetector tracks whether the *same set of tool
// names* has failed outright, iteration after iteration, and signals when
// the loop must stop rather than ask the model to try again.
//
// A "tool signature" is a stable hash of the sorted multiset of tool
// names called in one iteration. Two iterations match when their
// signatures are equal. Three consecutive matching iterations in which
// every call failed trips the detector.
type DoomLoopDetector struct {
	threshold    int
	prevSig      string
	prevAllFail  bool
	prevHasCalls bool
	streak       int
}

// NewDoomLoopDetector creates a detector that trips after threshold
// consecutive iterations with an identical, all-failing tool signature.
func NewDoomLoopDetector(threshold int) *DoomLoopDetector {
	if threshold <= 0 {
		threshold = 3
	}
	return &DoomLoopDetector{threshold: threshold}
}

// ToolSignature returns the stable hash of the sorted multiset of names.
func ToolSignature(names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Observe records one iteration's tool names and whether every call in
// it failed. It returns (tripped, streak): streak counts consecutive
// all-failing iterations with a constant signature (the first such
// iteration counts as 1); tripped is true once streak reaches threshold,
// so three identical all-failing iterations halt on the third.
func (d *DoomLoopDetector) Observe(names []string, allFailed bool) (tripped bool, streak int) {
	if len(names) == 0 {
		d.reset()
		return false, 0
	}

	sig := ToolSignature(names)
	switch {
	case !allFailed:
		d.streak = 0
	case d.streak > 0 && d.prevHasCalls && sig == d.prevSig && d.prevAllFail:
		d.streak++
	default:
		d.streak = 1
	}

	d.prevSig = sig
	d.prevAllFail = allFailed
	d.prevHasCalls = true

	return d.streak >= d.threshold, d.streak
}

func (d *DoomLoopDetector) reset() {
	d.prevSig = ""
	d.prevAllFail = false
	d.prevHasCalls = false
	d.streak = 0
}
