package core

import (
	"crypto/sha1"
	"encoding/hex"
	"math"
	"strconv"
)

const (
	RolloutSalt = ""
	VariantSalt = "variant"
)

const longScale = float64(0xFFFFFFFFFFFFFFF)

// Bucket maps key and identifier to a uniform position in [0, 1). The first
// 15 hex digits of sha1(key + "." + identifier + salt) are scaled by 16^15-1,
// which keeps assignments stable across SDKs that share the scheme.
func Bucket(key, identifier, salt string) float64 {
	sum := sha1.Sum([]byte(key + "." + identifier + salt))
	digest := hex.EncodeToString(sum[:])
	value, err := strconv.ParseUint(digest[:15], 16, 64)
	if err != nil {
		return 0
	}
	position := float64(value) / longScale
	if position >= 1 {
		return math.Nextafter(1, 0)
	}
	return position
}

func inRollout(key, identifier string, percentage float64) bool {
	if percentage >= 100 {
		return true
	}
	if percentage <= 0 {
		return false
	}
	return Bucket(key, identifier, RolloutSalt) < percentage/100
}

func selectVariant(key, identifier string, variants []Variant) string {
	position := Bucket(key, identifier, VariantSalt)
	lower := 0.0
	for _, variant := range variants {
		upper := lower + variant.RolloutWeight/100
		if position >= lower && position < upper {
			return variant.Key
		}
		lower = upper
	}
	// Weights that sum to 100 within tolerance can leave a sliver below 1.
	if len(variants) > 0 && 1-lower <= weightTolerance/100 {
		return variants[len(variants)-1].Key
	}
	return ""
}
