//go:build cgo

package main

// This file is only included when cgo is enabled. It swaps gonum's pure
// Go BLAS for the netlib (OpenBLAS/Accelerate) backend, which speeds up
// the projection GEMMs in the self-attention block.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Msg("⚡ CGO/BLAS Acceleration Enabled (netlib)")
}
