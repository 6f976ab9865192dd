package service

import (
	"strings"

	"github.com/timmy/proofline/internal/config"
)

const (
	// DefaultMaxSize is the default bounding box for proof derivatives, in pixels.
	DefaultMaxSize = 1600
	MinMaxSize     = 800
	MaxMaxSize     = 2400

	// DefaultQuality is the default JPEG quality for proof derivatives.
	DefaultQuality = 65
	MinQuality     = 40
	MaxQuality     = 85

	// DefaultWatermarkText is stamped on every proof.
	DefaultWatermarkText = "PROOF COPY — NOT FINAL QUALITY"

	// PlaceholderAssetPath is where the API serves the bundled placeholder graphic.
	PlaceholderAssetPath = "/assets/proof-placeholder.svg"
)

// ProofOptions are the proofing overrides applied to URL resolution and generation.
type ProofOptions struct {
	PlaceholderURL string
	// AllowOriginalFallback uploads the undecodable original as its own proof.
	// It defeats the point of a proof and is logged every time it is used.
	AllowOriginalFallback bool
	MaxSize               int
	Quality               int
	WatermarkText         string
}

// ProofOptionsFrom builds ProofOptions from configuration.
// Parameters:
//   - cfg: proofing section of the configuration.
//   - publicURL: externally reachable API base, used for the default placeholder.
//
// Returns:
//   - ProofOptions: options with clamped size and quality.
func ProofOptionsFrom(cfg config.ProofingConfig, publicURL string) ProofOptions {
	opts := ProofOptions{
		PlaceholderURL:        cfg.PlaceholderURL,
		AllowOriginalFallback: cfg.AllowOriginalFallback,
		MaxSize:               ClampMaxSize(cfg.MaxSize),
		Quality:               ClampQuality(cfg.Quality),
		WatermarkText:         cfg.WatermarkText,
	}
	if opts.PlaceholderURL == "" {
		opts.PlaceholderURL = strings.TrimSuffix(publicURL, "/") + PlaceholderAssetPath
	}
	if opts.WatermarkText == "" {
		opts.WatermarkText = DefaultWatermarkText
	}
	return opts
}

// ClampMaxSize returns size limited to [MinMaxSize, MaxMaxSize]; non-positive selects the default.
func ClampMaxSize(size int) int {
	if size <= 0 {
		return DefaultMaxSize
	}
	return clamp(size, MinMaxSize, MaxMaxSize)
}

// ClampQuality returns quality limited to [MinQuality, MaxQuality]; non-positive selects the default.
func ClampQuality(quality int) int {
	if quality <= 0 {
		return DefaultQuality
	}
	return clamp(quality, MinQuality, MaxQuality)
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
